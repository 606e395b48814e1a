package offer

import (
	xerrors "TradeWarden/internal/errors"
)

// State 表示报价在生命周期中的状态。状态只能沿固定顺序前进，
// 任何回退都会被拒绝。
type State string

const (
	StateCreated             State = "created"
	StateAccepted            State = "accepted"
	StateDeclined            State = "declined"
	StatePendingConfirmation State = "pending_confirmation"
	StateConfirmed           State = "confirmed"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

// stateRank 用于保证状态转移单调前进。Declined 与 Failed 为终态。
var stateRank = map[State]int{
	StateCreated:             0,
	StateAccepted:            1,
	StateDeclined:            1,
	StatePendingConfirmation: 2,
	StateConfirmed:           3,
	StateCompleted:           4,
	StateFailed:              5,
}

// Item 描述一件平台资产。AppID 与 MarketHashName 共同构成市场标识，
// 其余字段为平台实例属性，本核心不解释其含义。
type Item struct {
	AppID          uint32 `json:"app_id"`
	ContextID      uint64 `json:"context_id"`
	AssetID        uint64 `json:"asset_id"`
	ClassID        uint64 `json:"class_id"`
	InstanceID     uint64 `json:"instance_id"`
	MarketHashName string `json:"market_hash_name"`
	Amount         int    `json:"amount"`
}

// Offer 描述一条由平台送达的交换报价。状态只允许通过 Transition 变更。
type Offer struct {
	ID        string
	Partner   string
	ToReceive []Item
	ToGive    []Item

	state State
}

// New 创建处于 Created 状态的报价。
func New(id, partner string, toReceive, toGive []Item) *Offer {
	return &Offer{
		ID:        id,
		Partner:   partner,
		ToReceive: toReceive,
		ToGive:    toGive,
		state:     StateCreated,
	}
}

// Restore 按平台给出的状态重建报价，用于状态变更通知。
func Restore(id, partner string, toReceive, toGive []Item, state State) *Offer {
	o := New(id, partner, toReceive, toGive)
	if _, ok := stateRank[state]; ok {
		o.state = state
	}
	return o
}

// State 返回当前状态。
func (o *Offer) State() State {
	return o.state
}

// Transition 将报价推进到目标状态。目标状态必须在允许的转移表内，
// 并且不允许回到序号更小或相同的状态。
func (o *Offer) Transition(to State) error {
	if _, ok := stateRank[to]; !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的报价状态: "+string(to))
	}
	if o.state == StateDeclined || o.state == StateFailed || o.state == StateCompleted {
		return xerrors.New(CodeOfferStateConflict, "报价已处于终态 "+string(o.state))
	}
	if stateRank[to] <= stateRank[o.state] {
		return xerrors.New(CodeOfferStateConflict,
			"非法的状态回退: "+string(o.state)+" -> "+string(to))
	}
	allowed := false
	for _, next := range transitions[o.state] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return xerrors.New(CodeOfferStateConflict,
			"不允许的状态转移: "+string(o.state)+" -> "+string(to))
	}
	o.state = to
	return nil
}

// transitions 枚举每个状态允许的后继。
var transitions = map[State][]State{
	StateCreated:             {StateAccepted, StateDeclined, StateFailed},
	StateAccepted:            {StatePendingConfirmation, StateConfirmed, StateCompleted, StateFailed},
	StatePendingConfirmation: {StateConfirmed, StateFailed},
	StateConfirmed:           {StateCompleted, StateFailed},
}

const (
	CodeOfferStateConflict xerrors.Code = "OFFER_STATE_CONFLICT"
	CodeOfferActionFailed  xerrors.Code = "OFFER_ACTION_FAILED"
	CodeConfirmationFailed xerrors.Code = "CONFIRMATION_FAILED"
)

func init() {
	xerrors.Register(CodeOfferStateConflict, xerrors.Attributes{
		Message:   "offer state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOfferActionFailed, xerrors.Attributes{
		Message:   "offer action failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmationFailed, xerrors.Attributes{
		Message:   "confirmation failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
