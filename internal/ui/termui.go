package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/bgbot/internal/config"
	"github.com/skalibog/bgbot/pkg/logger"
	"github.com/skalibog/bgbot/pkg/models"
	"go.uber.org/zap"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

const (
	maxEvents   = 20
	maxLogs     = 50
	logTSFormat = "02.01.2006 - 15:04:05.999999999Z07:00"
)

// ansiRegex удаляет ANSI-цвета из уровня логирования
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// PositionSource источник отслеживаемых позиций
type PositionSource interface {
	Snapshot() []models.Position
}

// TermUI представляет терминальный интерфейс
type TermUI struct {
	positions PositionSource
	config    config.UIConfig
	logFile   string
	now       func() time.Time

	eventsMutex sync.RWMutex
	events      []models.Event

	logsMutex sync.RWMutex
	logs      []string

	selectedIndex int
	width         int
	height        int
}

// Сообщения для обновления UI
type refreshMsg struct{}

// bubbleModel - модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает дашборд; logFile - JSON-лог, хвост которого показывается внизу
func NewTermUI(cfg config.UIConfig, logFile string) *TermUI {
	return &TermUI{
		config:  cfg,
		logFile: logFile,
		now:     time.Now,
		logs:    []string{"bgbot запущен. Ожидание данных..."},
		width:   120,
		height:  40,
	}
}

// Notify принимает событие от диспетчера и хранит последние maxEvents
func (ui *TermUI) Notify(_ context.Context, e models.Event) error {
	ui.eventsMutex.Lock()
	ui.events = append(ui.events, e)
	if len(ui.events) > maxEvents {
		ui.events = ui.events[len(ui.events)-maxEvents:]
	}
	ui.eventsMutex.Unlock()
	// Перерисовка произойдет на ближайшем тике
	return nil
}

// Start запускает программу bubbletea и блокируется до выхода или отмены контекста
func (ui *TermUI) Start(ctx context.Context, positions PositionSource) error {
	ui.positions = positions
	if err := ui.loadLogsFromFile(); err != nil {
		ui.appendLog(fmt.Sprintf("Ошибка загрузки логов: %v", err))
	}

	program := tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

func (ui *TermUI) refreshInterval() time.Duration {
	return time.Duration(ui.config.RefreshRate) * time.Millisecond
}

func (ui *TermUI) tick() tea.Cmd {
	return tea.Tick(ui.refreshInterval(), func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

func (ui *TermUI) appendLog(line string) {
	ui.logsMutex.Lock()
	defer ui.logsMutex.Unlock()
	ui.logs = append(ui.logs, line)
	if len(ui.logs) > maxLogs {
		ui.logs = ui.logs[len(ui.logs)-maxLogs:]
	}
}

// loadLogsFromFile перечитывает хвост JSON-лога
func (ui *TermUI) loadLogsFromFile() error {
	if ui.logFile == "" {
		return nil
	}
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Файл не существует, это не ошибка
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var logs []string
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > maxLogs {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(logs) > 0 {
		ui.logsMutex.Lock()
		ui.logs = logs
		ui.logsMutex.Unlock()
	}
	return nil
}

// formatLogLine превращает JSON-строку zap в "[15:04:05] [INFO] msg (k: v)"
func formatLogLine(line string) string {
	var zapLog map[string]interface{}
	if err := json.Unmarshal([]byte(line), &zapLog); err != nil {
		// Не удалось распарсить JSON, показываем как есть
		return line
	}

	level, _ := zapLog["level"].(string)
	ts, _ := zapLog["ts"].(string)
	msg, _ := zapLog["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse(logTSFormat, ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)

	keys := make([]string, 0, len(zapLog))
	for k := range zapLog {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, zapLog[k])
	}
	return b.String()
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.ui.tick()
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.ui.selectedIndex = max(0, m.ui.selectedIndex-1)
		case "down":
			m.ui.selectedIndex = min(len(m.ui.positions.Snapshot())-1, m.ui.selectedIndex+1)
			m.ui.selectedIndex = max(0, m.ui.selectedIndex)
		case "r":
			if err := m.ui.loadLogsFromFile(); err != nil {
				logger.Warn("Ошибка загрузки логов", zap.Error(err))
			}
		}

	case tea.WindowSizeMsg:
		m.ui.width = msg.Width
		m.ui.height = msg.Height

	case refreshMsg:
		if err := m.ui.loadLogsFromFile(); err != nil {
			logger.Warn("Ошибка загрузки логов", zap.Error(err))
		}
		return m, m.ui.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	m.ui.eventsMutex.RLock()
	events := append([]models.Event(nil), m.ui.events...)
	m.ui.eventsMutex.RUnlock()

	m.ui.logsMutex.RLock()
	logs := append([]string(nil), m.ui.logs...)
	m.ui.logsMutex.RUnlock()

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("bgbot - Bitget Futures Bracket Trader"),
			"\n",
			renderPositionsSection(m.ui.positions.Snapshot(), m.ui.selectedIndex, m.ui.now()),
			"\n",
			renderEventsSection(events),
			"\n",
			renderLogsSection(logs),
			"\n",
			footerStyle.Render("Клавиши: ↑/↓ - навигация, R - перезагрузить логи, Q - выход"),
		),
	)
}

func renderPositionsSection(positions []models.Position, selectedIndex int, now time.Time) string {
	content := strings.Builder{}
	if len(positions) == 0 {
		content.WriteString("  Нет открытых позиций\n")
	}

	for i, p := range positions {
		line := formatPosition(p, now)
		if i == selectedIndex {
			line = lipgloss.NewStyle().Background(lipgloss.Color("#222222")).Render("> " + line)
		} else {
			line = "  " + line
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ПОЗИЦИИ"), content.String()),
	)
}

func formatPosition(p models.Position, now time.Time) string {
	sideStyle := lipgloss.NewStyle().Foreground(successColor)
	if p.Side == models.SideShort {
		sideStyle = lipgloss.NewStyle().Foreground(errorColor)
	}

	line := fmt.Sprintf("%-12s %s %-12s кол-во: %s вход: %s стоп: %s цель: %s возраст: %s",
		p.Symbol,
		sideStyle.Render(fmt.Sprintf("%-5s", p.Side)),
		p.State(),
		models.FormatDecimal(p.Quantity),
		models.FormatDecimal(p.EntryPrice),
		models.FormatDecimal(p.CurrentStopLoss),
		models.FormatDecimal(p.TargetPrice),
		formatAge(now.Sub(p.OpenedAt)),
	)

	if p.Unprotected {
		line += " " + lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("БЕЗ ЗАЩИТЫ")
	}
	if p.DryRun {
		line += " " + lipgloss.NewStyle().Foreground(warningColor).Render("dry-run")
	}
	return line
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Minute)
	return fmt.Sprintf("%dч%02dм", int(d.Hours()), int(d.Minutes())%60)
}

func renderEventsSection(events []models.Event) string {
	content := strings.Builder{}
	if len(events) == 0 {
		content.WriteString("  Событий пока нет\n")
	}

	// Новые события сверху
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		line := fmt.Sprintf("  [%s] %s %s %s", e.Time.Format("15:04:05"), e.Type, e.Symbol, e.Message)
		switch e.Severity {
		case models.SeverityCritical:
			line = lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render(line)
		case models.SeverityWarning:
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("СОБЫТИЯ"), content.String()),
	)
}

func renderLogsSection(logs []string) string {
	content := strings.Builder{}

	maxLogsToShow := 10
	start := 0
	if len(logs) > maxLogsToShow {
		start = len(logs) - maxLogsToShow
	}

	for _, log := range logs[start:] {
		// Выделение по уровню логирования
		if strings.Contains(log, "[ERROR]") {
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		} else if strings.Contains(log, "[INFO]") {
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		} else if strings.Contains(log, "[WARN]") {
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		} else if strings.Contains(log, "[DEBUG]") {
			log = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(log)
		}
		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ЛОГИ"), content.String()),
	)
}
