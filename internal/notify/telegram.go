package notify

import (
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM NOTIFIER - Execution alerts & basic operator commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Subscribes to the engine's event stream and pushes the events an operator
// cares about: submissions, fee bumps, terminal outcomes. Quiet events
// (quoted, validated, leased, signed) stay in the logs only.
//
// Commands: /status, /stats, /help
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies aggregate execution statistics for /stats.
type StatsProvider interface {
	GetStats() (map[string]interface{}, error)
}

// Notifier pushes swap lifecycle alerts to a Telegram chat.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
	stats  StatsProvider // optional

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	startedAt time.Time
}

// New creates a notifier. stats may be nil when persistence is disabled.
func New(token string, chatID int64, stats StatsProvider) (*Notifier, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	n := &Notifier{
		api:    api,
		chatID: chatID,
		stats:  stats,
		stopCh: make(chan struct{}),
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram notifier initialized")
	return n, nil
}

// Start begins listening for operator commands.
func (n *Notifier) Start() {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	n.startedAt = time.Now()
	n.mu.Unlock()

	go n.commandLoop()
	log.Info().Msg("📱 Telegram notifier started")
}

// Stop halts the command loop.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	close(n.stopCh)
	n.api.StopReceivingUpdates()
}

// HandleEvent is the engine event sink.
func (n *Notifier) HandleEvent(ev types.SwapEvent) {
	switch ev.Kind {
	case types.EventSubmitted:
		n.send(fmt.Sprintf("📤 *Swap submitted*\n`%s`\nnonce %d\ntx `%s`",
			ev.RequestID, ev.Nonce, ev.TxHash.Hex()))
	case types.EventReplaced:
		n.send(fmt.Sprintf("⛽ *Fee bumped*\n`%s`\nnonce %d kept, new tx `%s`",
			ev.RequestID, ev.Nonce, ev.TxHash.Hex()))
	case types.EventConfirmed:
		n.send(fmt.Sprintf("✅ *Swap confirmed*\n`%s`\ntx `%s`",
			ev.RequestID, ev.TxHash.Hex()))
	case types.EventFailed:
		n.send(fmt.Sprintf("❌ *Swap failed*\n`%s`\n%s", ev.RequestID, ev.Detail))
	case types.EventDropped:
		n.send(fmt.Sprintf("🕳️ *Swap dropped*\n`%s`\n%s", ev.RequestID, ev.Detail))
	case types.EventRejected:
		n.send(fmt.Sprintf("🚫 *Swap rejected*\n`%s`\n%s", ev.RequestID, ev.Detail))
	}
}

func (n *Notifier) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := n.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != n.chatID {
				continue
			}
			n.handleCommand(update.Message.Command())
		case <-n.stopCh:
			return
		}
	}
}

func (n *Notifier) handleCommand(cmd string) {
	switch cmd {
	case "status":
		n.mu.Lock()
		uptime := time.Since(n.startedAt).Round(time.Second)
		n.mu.Unlock()
		n.send(fmt.Sprintf("🟢 *dexflow running*\nuptime %s", uptime))
	case "stats":
		n.cmdStats()
	case "help", "start":
		n.send(`📚 *dexflow commands*

/status - engine status
/stats - execution statistics
/help - this message`)
	default:
		n.send("❓ Unknown command. Use /help.")
	}
}

func (n *Notifier) cmdStats() {
	if n.stats == nil {
		n.send("📊 Persistence disabled, no stats available")
		return
	}
	stats, err := n.stats.GetStats()
	if err != nil {
		n.send("⚠️ Stats query failed")
		return
	}

	text := "📊 *Execution stats*\n"
	for _, key := range []string{"total_swaps", "confirmed_swaps", "failed_swaps", "dropped_swaps", "total_volume_usd"} {
		if v, ok := stats[key]; ok {
			text += fmt.Sprintf("%s: `%v`\n", key, v)
		}
	}
	n.send(text)
}

func (n *Notifier) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
