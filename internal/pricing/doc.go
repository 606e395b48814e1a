// Package pricing supplies market values for platform assets. The Oracle
// interface abstracts the data source; implementations cover the community
// market priceoverview endpoint and a static YAML price table. Prices are
// expressed in integer cents and fetched fresh per lookup.
package pricing
