package domain

import "context"

const (
	SubjectDepositCompleted = "payment.deposit.completed"
	SubjectDepositShortfall = "payment.deposit.shortfall"
)

// DepositCompleted 订单完成后发出 (Deficit 时 Status 为 DEFICIT)
type DepositCompleted struct {
	UserID    int64         `json:"userId"`
	PaymentID string        `json:"paymentId"`
	Status    PaymentStatus `json:"status"`
	BonusKind BonusKind     `json:"bonusKind,omitempty"`
	Deposit   Deposit       `json:"deposit"`
}

// CompletionListener 事务提交后调用，不返回错误
type CompletionListener interface {
	OnDepositCompleted(ctx context.Context, ev DepositCompleted)
}

// Publisher 消息总线
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}
