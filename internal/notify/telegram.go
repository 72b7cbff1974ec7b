// Package notify pushes engine events to Telegram and lets the operator
// approve or reject trade proposals from inline buttons.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"perp-agent/internal/events"
	"perp-agent/internal/proposal"
)

const (
	verbApprove = "APPROVE"
	verbReject  = "REJECT"

	// RejectedViaTelegram is the reason recorded for button rejections.
	RejectedViaTelegram = "Rejected via Telegram"
)

// Approver is the slice of the engine the notifier drives.
type Approver interface {
	PendingProposals() []proposal.Proposal
	ApproveProposal(id string) (proposal.Proposal, error)
	RejectProposal(ctx context.Context, id, reason string) (proposal.Proposal, error)
}

// botAPI is satisfied by *tgbot.BotAPI.
type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
	Request(c tgbot.Chattable) (*tgbot.APIResponse, error)
	GetUpdatesChan(config tgbot.UpdateConfig) tgbot.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram sends proposal cards and alerts to one chat.
type Telegram struct {
	bot      botAPI
	chatID   int64
	approver Approver
	bus      *events.Bus
	log      *zap.Logger

	mu    sync.Mutex
	cards map[string]card // proposal id -> sent card
}

type card struct {
	msgID int
	text  string
}

// NewTelegram connects to the Bot API.
func NewTelegram(token string, chatID int64, approver Approver, bus *events.Bus, log *zap.Logger) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return newTelegram(b, chatID, approver, bus, log), nil
}

func newTelegram(b botAPI, chatID int64, approver Approver, bus *events.Bus, log *zap.Logger) *Telegram {
	if log == nil {
		log = zap.NewNop()
	}
	return &Telegram{
		bot:      b,
		chatID:   chatID,
		approver: approver,
		bus:      bus,
		log:      log,
		cards:    make(map[string]card),
	}
}

// Send posts a plain message.
func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		t.log.Warn("telegram send failed", zap.Error(err))
	}
}

// Start subscribes to the bus and long-polls for button presses until ctx ends.
func (t *Telegram) Start(ctx context.Context) {
	created, unsubCreated := t.bus.Subscribe(events.EventProposalCreated, 32)
	resolved, unsubResolved := t.bus.Subscribe(events.EventProposalResolved, 32)
	failures, unsubErrors := t.bus.Subscribe(events.EventEngineError, 32)

	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		defer unsubCreated()
		defer unsubResolved()
		defer unsubErrors()
		defer t.bot.StopReceivingUpdates()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-created:
				if !ok {
					return
				}
				if p, ok := msg.(proposal.Proposal); ok {
					t.SendProposal(p)
				}
			case msg, ok := <-resolved:
				if !ok {
					return
				}
				if p, ok := msg.(proposal.Proposal); ok {
					t.markResolved(p)
				}
			case msg, ok := <-failures:
				if !ok {
					return
				}
				if e, ok := msg.(events.EngineError); ok {
					t.Send("⚠️ " + e.Message)
				}
			case upd, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, upd)
			}
		}
	}()
	t.log.Info("✓ telegram notifier started", zap.Int64("chat_id", t.chatID))
}

func (t *Telegram) handleUpdate(ctx context.Context, upd tgbot.Update) {
	if upd.CallbackQuery != nil {
		t.HandleCallback(ctx, upd.CallbackQuery)
		return
	}
	m := upd.Message
	if m == nil || m.Chat == nil || m.Chat.ID != t.chatID || !m.IsCommand() {
		return
	}
	switch m.Command() {
	case "proposals":
		pending := t.approver.PendingProposals()
		if len(pending) == 0 {
			t.Send("📭 No pending proposals")
			return
		}
		for _, p := range pending {
			t.SendProposal(p)
		}
	}
}

// SendProposal posts a proposal card with approve and reject buttons.
func (t *Telegram) SendProposal(p proposal.Proposal) {
	text := proposalCard(p)
	msg := tgbot.NewMessage(t.chatID, text)
	msg.ReplyMarkup = tgbot.NewInlineKeyboardMarkup(tgbot.NewInlineKeyboardRow(
		tgbot.NewInlineKeyboardButtonData("✅ Approve", verbApprove+"::"+p.ID),
		tgbot.NewInlineKeyboardButtonData("❌ Reject", verbReject+"::"+p.ID),
	))
	sent, err := t.bot.Send(msg)
	if err != nil {
		t.log.Warn("telegram proposal send failed", zap.String("id", p.ID), zap.Error(err))
		return
	}
	t.mu.Lock()
	t.cards[p.ID] = card{msgID: sent.MessageID, text: text}
	t.mu.Unlock()
}

// HandleCallback resolves a button press from the configured chat.
func (t *Telegram) HandleCallback(ctx context.Context, cb *tgbot.CallbackQuery) {
	if cb == nil || cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != t.chatID {
		return
	}
	// stops the client spinner
	_, _ = t.bot.Request(tgbot.NewCallback(cb.ID, ""))

	verb, id, ok := strings.Cut(cb.Data, "::")
	if !ok || id == "" {
		return
	}

	var (
		p   proposal.Proposal
		err error
	)
	switch verb {
	case verbApprove:
		p, err = t.approver.ApproveProposal(id)
	case verbReject:
		p, err = t.approver.RejectProposal(ctx, id, RejectedViaTelegram)
	default:
		return
	}
	if err != nil {
		t.log.Warn("telegram proposal action failed", zap.String("verb", verb), zap.String("id", id), zap.Error(err))
		t.finishCard(id, cb.Message.MessageID, cb.Message.Text, "⛔️ "+err.Error(), true)
		return
	}
	t.finishCard(id, cb.Message.MessageID, cb.Message.Text, statusLine(p), isFinal(p.Status))
}

// markResolved updates a card when the proposal was settled elsewhere.
func (t *Telegram) markResolved(p proposal.Proposal) {
	t.mu.Lock()
	c, ok := t.cards[p.ID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.finishCard(p.ID, c.msgID, c.text, statusLine(p), isFinal(p.Status))
}

func (t *Telegram) finishCard(id string, msgID int, original, status string, final bool) {
	t.mu.Lock()
	if c, ok := t.cards[id]; ok {
		original = c.text
		if final {
			delete(t.cards, id)
		}
	}
	t.mu.Unlock()

	rm := tgbot.InlineKeyboardMarkup{InlineKeyboard: [][]tgbot.InlineKeyboardButton{}}
	if _, err := t.bot.Request(tgbot.NewEditMessageReplyMarkup(t.chatID, msgID, rm)); err != nil {
		t.log.Debug("telegram markup edit failed", zap.Error(err))
	}
	if _, err := t.bot.Request(tgbot.NewEditMessageText(t.chatID, msgID, original+"\n\n"+status)); err != nil {
		t.log.Debug("telegram text edit failed", zap.Error(err))
	}
}

func proposalCard(p proposal.Proposal) string {
	var b strings.Builder
	side := "LONG"
	if !p.IsLong() {
		side = "SHORT"
	}
	fmt.Fprintf(&b, "📝 Trade proposal: %s %s\n", strings.ToUpper(p.Action), p.Asset)
	fmt.Fprintf(&b, "Side: %s | Confidence: %.0f%%\n", side, p.Confidence)
	fmt.Fprintf(&b, "Entry: %.4f | Size: %.6f | Allocation: $%.2f\n", p.EntryPrice, p.Size, p.Allocation)
	if p.TPPrice != nil {
		fmt.Fprintf(&b, "TP: %.4f (+%.2f%%)\n", *p.TPPrice, p.PotentialGain())
	}
	if p.SLPrice != nil {
		fmt.Fprintf(&b, "SL: %.4f (-%.2f%%)\n", *p.SLPrice, p.PotentialLoss())
	}
	if p.RiskReward != nil {
		fmt.Fprintf(&b, "R/R: %.2f\n", *p.RiskReward)
	}
	if p.Rationale != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Rationale)
	}
	fmt.Fprintf(&b, "\nID: %s", p.ID)
	return b.String()
}

func statusLine(p proposal.Proposal) string {
	switch p.Status {
	case proposal.StatusApproved:
		return "✅ Approved, executing"
	case proposal.StatusExecuted:
		if p.ExecutionPrice != nil {
			return fmt.Sprintf("✅ Executed @ %.4f", *p.ExecutionPrice)
		}
		return "✅ Executed"
	case proposal.StatusFailed:
		return "⛔️ Failed: " + p.ExecutionError
	case proposal.StatusRejected:
		return "❌ Rejected: " + p.ExecutionError
	default:
		return string(p.Status)
	}
}

func isFinal(s proposal.Status) bool {
	return s == proposal.StatusExecuted || s == proposal.StatusFailed || s == proposal.StatusRejected
}
