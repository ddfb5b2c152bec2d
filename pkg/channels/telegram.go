package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/zhaopengme/chatrelay/pkg/bus"
	"github.com/zhaopengme/chatrelay/pkg/config"
	"github.com/zhaopengme/chatrelay/pkg/logger"
	"github.com/zhaopengme/chatrelay/pkg/utils"
)

const (
	CommandStart   = "start"
	CommandNewChat = "newchat"
	CommandHelp    = "help"

	// Telegram caps messages at 4096 characters; keep headroom for markup.
	telegramChunkSize = 4000

	maxFenceLang = 32
)

var (
	reHeaders    = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	reBlockquote = regexp.MustCompile(`(?m)^>\s*(.*)$`)
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	reBoldStar   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBoldUnder  = regexp.MustCompile(`__(.+?)__`)
	reItalic     = regexp.MustCompile(`\b_([^_]+)_\b`)
	reStrikethru = regexp.MustCompile(`~~(.+?)~~`)
	reList       = regexp.MustCompile(`(?m)^[-*]\s+`)
	reCodeBlock  = regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	reInlineCode = regexp.MustCompile("`([^`]+)`")
	reFenceLine  = regexp.MustCompile("^\\s*```(\\w*)")
)

type TelegramChannel struct {
	*BaseChannel
	bot *telego.Bot
}

func NewTelegramChannel(cfg config.TelegramConfig, b bus.Publisher) (*TelegramChannel, error) {
	var opts []telego.BotOption

	if cfg.Proxy != "" {
		proxyURL, parseErr := url.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, parseErr)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}))
	} else if os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" {
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", b, cfg.AllowFrom),
		bot:         bot,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	bh, err := th.NewBotHandler(c.bot, updates)
	if err != nil {
		return fmt.Errorf("failed to create bot handler: %w", err)
	}

	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		return c.handleMessage(ctx, &message, bus.EventStart)
	}, th.CommandEqual(CommandStart))

	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		return c.handleMessage(ctx, &message, bus.EventReset)
	}, th.CommandEqual(CommandNewChat))

	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		return c.handleMessage(ctx, &message, bus.EventHelp)
	}, th.CommandEqual(CommandHelp))

	// Other commands fall through every predicate and are dropped.
	bh.HandleMessage(func(ctx *th.Context, message telego.Message) error {
		return c.handleMessage(ctx, &message, bus.EventText)
	}, th.AnyMessageWithText(), th.Not(th.AnyCommand()))

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{
		"username": c.bot.Username(),
	})

	go func() {
		if err := bh.Start(); err != nil {
			logger.ErrorCF("telegram", "Bot handler stopped with error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	go func() {
		<-ctx.Done()
		_ = bh.Stop()
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, threadID, err := parseCompositeChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	var lastErr error
	for i, chunk := range splitMarkdownContent(msg.Content, telegramChunkSize) {
		tgMsg := &telego.SendMessageParams{
			ChatID:    tu.ID(chatID),
			Text:      markdownToTelegramHTML(chunk),
			ParseMode: telego.ModeHTML,
		}
		if threadID != 0 {
			tgMsg.MessageThreadID = threadID
		}

		if _, err = c.bot.SendMessage(ctx, tgMsg); err != nil {
			logger.WarnCF("telegram", "HTML send failed, falling back to plain text", map[string]interface{}{
				"error":       err.Error(),
				"chunk_index": i,
			})
			tgMsg.Text = chunk
			tgMsg.ParseMode = ""
			if _, err = c.bot.SendMessage(ctx, tgMsg); err != nil {
				lastErr = err
			}
		}
	}

	return lastErr
}

func (c *TelegramChannel) handleMessage(ctx context.Context, message *telego.Message, kind bus.EventKind) error {
	inbound, err := inboundFromMessage(message, kind)
	if err != nil {
		return err
	}

	if !c.IsAllowed(inbound.Metadata["sender"]) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{
			"user_id": inbound.SenderID,
		})
		return nil
	}

	logger.DebugCF("telegram", "Received message", map[string]interface{}{
		"kind":      string(kind),
		"sender_id": inbound.SenderID,
		"chat_id":   inbound.ChatID,
		"preview":   utils.Truncate(inbound.Content, 50),
	})

	if kind == bus.EventText {
		chatActionParams := &telego.SendChatActionParams{
			ChatID: tu.ID(message.Chat.ID),
			Action: telego.ChatActionTyping,
		}
		if message.MessageThreadID != 0 {
			chatActionParams.MessageThreadID = message.MessageThreadID
		}
		if err := c.bot.SendChatAction(ctx, chatActionParams); err != nil {
			logger.DebugCF("telegram", "Failed to send chat action", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	c.HandleMessage(inbound)
	return nil
}

// inboundFromMessage maps a Telegram message onto a bus event. Sessions are
// keyed by the sender's user ID; replies go to the originating chat/topic.
func inboundFromMessage(message *telego.Message, kind bus.EventKind) (bus.InboundMessage, error) {
	if message == nil {
		return bus.InboundMessage{}, fmt.Errorf("message is nil")
	}

	user := message.From
	if user == nil {
		return bus.InboundMessage{}, fmt.Errorf("message sender (user) is nil")
	}

	userID := strconv.FormatInt(user.ID, 10)
	sender := userID
	if user.Username != "" {
		sender = userID + "|" + user.Username
	}

	chatIDStr := strconv.FormatInt(message.Chat.ID, 10)
	if message.MessageThreadID != 0 {
		chatIDStr = fmt.Sprintf("%d:%d", message.Chat.ID, message.MessageThreadID)
	}

	content := ""
	if kind == bus.EventText {
		content = message.Text
	}

	metadata := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"sender":     sender,
		"username":   user.Username,
		"is_group":   strconv.FormatBool(message.Chat.Type != telego.ChatTypePrivate),
	}
	if message.MessageThreadID != 0 {
		metadata["thread_id"] = strconv.Itoa(message.MessageThreadID)
	}

	return bus.InboundMessage{
		Kind:        kind,
		SenderID:    userID,
		ChatID:      chatIDStr,
		DisplayName: user.FirstName,
		Content:     content,
		Metadata:    metadata,
	}, nil
}

func parseCompositeChatID(chatIDStr string) (int64, int, error) {
	parts := strings.SplitN(chatIDStr, ":", 2)
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat ID format: %w", err)
	}

	var threadID int
	if len(parts) > 1 {
		threadID, err = strconv.Atoi(parts[1])
		if err != nil {
			return chatID, 0, fmt.Errorf("invalid thread ID format: %w", err)
		}
	}

	return chatID, threadID, nil

}

// markdownToTelegramHTML renders the Markdown subset models usually emit
// into the HTML dialect Telegram accepts. Code spans are stashed first so
// their contents are escaped but never formatted.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	text, blocks := stashMatches(reCodeBlock, text, "CB")
	text, inline := stashMatches(reInlineCode, text, "IC")

	text = reHeaders.ReplaceAllString(text, "$1")
	text = reBlockquote.ReplaceAllString(text, "$1")
	text = escapeHTML(text)
	text = reLink.ReplaceAllString(text, `<a href="$2">$1</a>`)
	text = reBoldStar.ReplaceAllString(text, "<b>$1</b>")
	text = reBoldUnder.ReplaceAllString(text, "<b>$1</b>")
	text = reItalic.ReplaceAllString(text, "<i>$1</i>")
	text = reStrikethru.ReplaceAllString(text, "<s>$1</s>")
	text = reList.ReplaceAllString(text, "• ")

	for i, code := range inline {
		text = strings.ReplaceAll(text, placeholder("IC", i), "<code>"+escapeHTML(code)+"</code>")
	}
	for i, code := range blocks {
		text = strings.ReplaceAll(text, placeholder("CB", i), "<pre><code>"+escapeHTML(code)+"</code></pre>")
	}

	return text
}

// stashMatches replaces every match of re with a numbered placeholder and
// returns the first capture group of each match in order.
func stashMatches(re *regexp.Regexp, text, tag string) (string, []string) {
	var codes []string
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		sub := re.FindStringSubmatch(m)
		codes = append(codes, sub[1])
		return placeholder(tag, len(codes)-1)
	})
	return text, codes
}

func placeholder(tag string, i int) string {
	return fmt.Sprintf("\x00%s%d\x00", tag, i)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(text string) string {
	return htmlEscaper.Replace(text)
}

// splitMarkdownContent breaks text into chunks of at most maxLength bytes,
// closing and reopening fenced code blocks at chunk boundaries.
func splitMarkdownContent(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}

	// Room for the closing fence appended to a chunk cut inside a code block.
	budget := max(maxLength-20, 16)

	var (
		chunks  []string
		current strings.Builder
		prefix  int // length of the reopened fence at the start of current
		inFence bool
		opener  string
	)

	flush := func() {
		if inFence {
			current.WriteString("\n```")
		}
		chunks = append(chunks, current.String())
		current.Reset()
		prefix = 0
		if inFence {
			current.WriteString(opener)
			prefix = current.Len()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		m := reFenceLine.FindStringSubmatch(line)
		opening := m != nil && !inFence
		closing := m != nil && inFence

		if current.Len() > prefix && current.Len()+1+len(line) > budget {
			flush()
		}
		if opening {
			inFence = true
			opener = fenceOpener(m[1], budget)
		}
		for current.Len()+len(line) > budget {
			cut := runeBoundary(line, budget-current.Len())
			current.WriteString(line[:cut])
			line = line[cut:]
			flush()
		}
		if current.Len() > prefix {
			current.WriteString("\n")
		}
		current.WriteString(line)

		if closing {
			inFence = false
		}
	}

	if current.Len() > prefix {
		chunks = append(chunks, current.String())
	}

	return chunks
}

// fenceOpener returns the fence line used to reopen a code block in the next
// chunk. Languages too long to leave room for content are dropped.
func fenceOpener(lang string, budget int) string {
	if len(lang) > maxFenceLang || len(lang)+len("```\n") > budget/2 {
		lang = ""
	}
	return "```" + lang + "\n"
}

// runeBoundary returns the largest index <= n that does not split a UTF-8
// sequence in s. It returns at least one whole rune when s is non-empty and
// n is positive, so callers always make progress.
func runeBoundary(s string, n int) int {
	if s == "" || n <= 0 {
		return 0
	}
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return n
}
