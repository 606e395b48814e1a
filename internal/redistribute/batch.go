package redistribute

import (
	xerrors "TradeWarden/internal/errors"
	"TradeWarden/internal/offer"
)

// State 表示再分发批次在生命周期中的状态。
type State string

const (
	StateBuilding  State = "building"
	StateReady     State = "ready"
	StateSent      State = "sent"
	StateConfirmed State = "confirmed"
	StateVoided    State = "voided"
)

// stateRank 保证批次状态单调前进。Voided 与 Confirmed 为终态。
var stateRank = map[State]int{
	StateBuilding:  0,
	StateReady:     1,
	StateVoided:    1,
	StateSent:      2,
	StateConfirmed: 3,
}

// Selection 是选件阶段的三态结果，区分"没有合格物品"与
// "选件过程本身没有完成"。
type Selection int

const (
	// SelectionNone 表示价格筛选正常完成但没有物品达到阈值。
	SelectionNone Selection = iota
	// SelectionReady 表示至少有一件物品达到阈值，批次可以发送。
	SelectionReady
	// SelectionInvalid 表示选件过程被中断，结果不可信，批次不得发送。
	SelectionInvalid
)

// Batch 描述一次再分发批次。SelectedItems 永远是来源报价
// 收到物品的子集。状态只允许通过 Transition 变更。
type Batch struct {
	ID            string       `json:"id"`
	SourceOfferID string       `json:"source_offer_id"`
	Destination   string       `json:"destination"`
	Items         []offer.Item `json:"items,omitempty"`
	Message       string       `json:"message,omitempty"`
	Status        State        `json:"status"`
	SentOfferID   string       `json:"sent_offer_id,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	ErrorCode     string       `json:"error_code,omitempty"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
}

// Transition 将批次推进到目标状态，拒绝回退与非法转移。
func (b *Batch) Transition(to State) error {
	if _, ok := stateRank[to]; !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的批次状态: "+string(to))
	}
	if b.Status == StateVoided || b.Status == StateConfirmed {
		return xerrors.New(CodeBatchStateConflict, "批次已处于终态 "+string(b.Status))
	}
	if stateRank[to] <= stateRank[b.Status] {
		return xerrors.New(CodeBatchStateConflict,
			"非法的批次状态回退: "+string(b.Status)+" -> "+string(to))
	}
	allowed := false
	for _, next := range transitions[b.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return xerrors.New(CodeBatchStateConflict,
			"不允许的批次状态转移: "+string(b.Status)+" -> "+string(to))
	}
	b.Status = to
	return nil
}

// transitions 枚举每个批次状态允许的后继。
var transitions = map[State][]State{
	StateBuilding: {StateReady, StateVoided},
	StateReady:    {StateSent, StateVoided},
	StateSent:     {StateConfirmed},
}

var (
	// ErrBatchNotFound 表示指定的批次不存在。
	ErrBatchNotFound = xerrors.New(CodeBatchNotFound, "batch not found")
	// ErrBatchConflict 表示批次在当前状态下无法进行所请求的操作。
	ErrBatchConflict = xerrors.New(CodeBatchConflict, "batch conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeBatchNotFound      xerrors.Code = "BATCH_NOT_FOUND"
	CodeBatchConflict      xerrors.Code = "BATCH_CONFLICT"
	CodeBatchStateConflict xerrors.Code = "BATCH_STATE_CONFLICT"
	CodeSettlementFailed   xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementPublish  xerrors.Code = "SETTLEMENT_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeBatchNotFound, xerrors.Attributes{
		Message:   "batch not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBatchConflict, xerrors.Attributes{
		Message:   "batch conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBatchStateConflict, xerrors.Attributes{
		Message:   "batch state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:   "settlement workflow failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementPublish, xerrors.Attributes{
		Message:   "failed to publish settlement job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidState 检查给定的批次状态是否为支持的枚举值。
func IsValidState(state State) bool {
	_, ok := stateRank[state]
	return ok
}

func cloneBatch(batch *Batch) *Batch {
	clone := *batch
	if batch.Items != nil {
		clone.Items = append([]offer.Item(nil), batch.Items...)
	}
	return &clone
}

// ShouldSettle 判断一次状态变更通知是否应触发再分发：
// 来源为特权身份、此前已接受、现在到达完成态。
func ShouldSettle(privilegedID string, o *offer.Offer, previous offer.State) bool {
	if o == nil || privilegedID == "" {
		return false
	}
	return o.Partner == privilegedID &&
		previous == offer.StateAccepted &&
		o.State() == offer.StateCompleted
}
