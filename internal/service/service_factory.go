package service

import (
	"go.uber.org/zap"

	"rada-service/internal/bucketing"
	"rada-service/internal/repository"
)

// PaymentProvider issues invoices and executes payouts.
type PaymentProvider interface {
	InvoiceIssuer
	PayoutExecutor
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	sessions  repository.SessionStore
	index     repository.CorrelationIndex
	limiter   repository.RateLimiter
	quotes    QuoteProvider
	locks     RateLocker
	provider  PaymentProvider
	messenger Messenger
	events    EventPublisher
	userLocks *bucketing.KeyedMutex
	cfg       ConversationConfig
	logger    *zap.Logger

	notifier            *Notifier
	settlementService   *SettlementService
	conversationService *ConversationService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	sessions repository.SessionStore,
	index repository.CorrelationIndex,
	limiter repository.RateLimiter,
	quotes QuoteProvider,
	locks RateLocker,
	provider PaymentProvider,
	messenger Messenger,
	events EventPublisher,
	userLocks *bucketing.KeyedMutex,
	cfg ConversationConfig,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		sessions:  sessions,
		index:     index,
		limiter:   limiter,
		quotes:    quotes,
		locks:     locks,
		provider:  provider,
		messenger: messenger,
		events:    events,
		userLocks: userLocks,
		cfg:       cfg,
		logger:    logger,
	}
}

// Notifier returns the shared async notifier (singleton)
func (f *ServiceFactory) Notifier() *Notifier {
	if f.notifier == nil {
		f.notifier = NewNotifier(f.messenger, 0)
	}
	return f.notifier
}

// SettlementService returns the settlement pipeline (singleton)
func (f *ServiceFactory) SettlementService() *SettlementService {
	if f.settlementService == nil {
		f.settlementService = NewSettlementService(
			f.sessions,
			f.index,
			f.locks,
			f.provider,
			f.Notifier(),
			f.events,
			f.userLocks,
			f.logger.Named("settlement"),
		)
	}
	return f.settlementService
}

// ConversationService returns the chat state machine (singleton)
func (f *ServiceFactory) ConversationService() *ConversationService {
	if f.conversationService == nil {
		f.conversationService = NewConversationService(
			f.sessions,
			f.index,
			f.quotes,
			f.locks,
			f.provider,
			f.SettlementService(),
			f.limiter,
			f.events,
			f.userLocks,
			f.cfg,
			f.logger.Named("conversation"),
		)
	}
	return f.conversationService
}

// Cleanup waits for pending notifications and flushes settlement events
func (f *ServiceFactory) Cleanup() {
	if f.notifier != nil {
		f.notifier.Wait()
	}
	if f.events != nil {
		if err := f.events.Close(); err != nil {
			f.logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
}
