package notify

import (
	"context"

	"go.uber.org/zap"
	"planpay.com/apps/payment/internal/domain"
	"planpay.com/pkg/logger"
)

// CompletionNotifier 订单完成后发消息给下游 (邮件、Telegram、返佣等)
// 发送失败只记日志，不影响已提交的事务
type CompletionNotifier struct {
	pub domain.Publisher
}

var _ domain.CompletionListener = (*CompletionNotifier)(nil)

func NewCompletionNotifier(pub domain.Publisher) *CompletionNotifier {
	return &CompletionNotifier{pub: pub}
}

func (n *CompletionNotifier) OnDepositCompleted(ctx context.Context, ev domain.DepositCompleted) {
	subject := domain.SubjectDepositCompleted
	if ev.Status == domain.PaymentDeficit {
		subject = domain.SubjectDepositShortfall
	}
	if err := n.pub.Publish(ctx, subject, ev); err != nil {
		logger.Error(ctx, "publish deposit event failed",
			zap.String("subject", subject),
			zap.String("payment_id", ev.PaymentID),
			zap.Int64("external_id", ev.Deposit.ExternalID),
			zap.Error(err))
		return
	}
	logger.Info(ctx, "deposit event published",
		zap.String("subject", subject),
		zap.String("payment_id", ev.PaymentID),
		zap.Int64("user_id", ev.UserID))
}
