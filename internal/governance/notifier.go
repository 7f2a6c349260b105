package governance

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/irfndi/celebrum-quant/internal/models"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Notifier is told about lifecycle status changes.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, prev, next LifecycleState, health models.StrategyHealth) error
}

// MessageSender is the subset of the Telegram bot used for alerts.
type MessageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// TelegramNotifier posts status changes to one chat.
type TelegramNotifier struct {
	sender MessageSender
	chatID int64
}

// NewTelegramNotifier creates a notifier. A nil sender disables it.
func NewTelegramNotifier(sender MessageSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{sender: sender, chatID: chatID}
}

// NewTelegramBot builds the bot client used by NewTelegramNotifier.
func NewTelegramBot(token string) (*bot.Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is empty")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return b, nil
}

// NotifyStatusChange sends an alert describing the transition.
func (n *TelegramNotifier) NotifyStatusChange(ctx context.Context, prev, next LifecycleState, health models.StrategyHealth) error {
	if n == nil || n.sender == nil {
		return nil
	}
	_, err := n.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    n.chatID,
		Text:      FormatStatusChange(prev, next, health),
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// FormatStatusChange renders the alert text.
func FormatStatusChange(prev, next LifecycleState, health models.StrategyHealth) string {
	caser := cases.Title(language.English)
	title := func(s string) string { return caser.String(strings.ToLower(s)) }

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s strategy: %s → %s*\n", title(string(next.Mode)), title(string(prev.Status)), title(string(next.Status)))
	fmt.Fprintf(&sb, "Health score: %.1f\n", health.Score)
	if next.Status == models.StatusPaused || next.Status == models.StatusRetired {
		fmt.Fprintf(&sb, "Consecutive reviews: %d, paused evaluations: %d\n", next.ReviewStreak, next.PausedStreak)
	}
	if len(health.Issues) > 0 {
		sb.WriteString("\nIssues:\n")
		for _, issue := range health.Issues {
			fmt.Fprintf(&sb, "• %s\n", issue)
		}
	}
	if len(health.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, rec := range health.Recommendations {
			fmt.Fprintf(&sb, "• %s\n", rec)
		}
	}
	return sb.String()
}
