package ui

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/paginator"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ionicresearchlabs/ionic/internal/feed"
	"github.com/ionicresearchlabs/ionic/internal/incidentlist"
	"github.com/ionicresearchlabs/ionic/internal/otel"
)

// List is the part of the list controller the app drives.
type List interface {
	Page(n, size int) []incidentlist.Entry
	VisibleCount() int
	Types() []string
	Filter() incidentlist.Filter
	Order() incidentlist.Order
	SetFilter(ctx context.Context, f incidentlist.Filter) error
	SetSort(ctx context.Context, o incidentlist.Order) error
}

// Deps wires the app to the rest of the process.
type Deps struct {
	List     List
	Refresh  func(ctx context.Context) error // manual refresh; may be nil
	Ticker   func() []feed.TickerLine        // may be nil
	Events   *otel.RingBuffer                // debug overlay; may be nil
	PageSize int
}

// App is the root Bubble Tea model. It does not hold the store; it reads
// pages through List and receives change notices as messages.
type App struct {
	deps Deps
	ctx  context.Context

	keys    keyMap
	help    help.Model
	pager   paginator.Model
	spinner spinner.Model

	entries []incidentlist.Entry
	visible int
	filter  incidentlist.Filter
	order   incidentlist.Order
	ticker  []feed.TickerLine
	cursor  int
	open    bool
	debug   bool
	busy    bool
	status  string
	err     error
	width   int
	height  int
	ready   bool
}

// NewApp returns an app over deps. ctx bounds list and refresh calls.
func NewApp(ctx context.Context, deps Deps) App {
	if deps.PageSize <= 0 {
		deps.PageSize = 25
	}
	p := paginator.New()
	p.Type = paginator.Arabic
	p.PerPage = deps.PageSize

	s := spinner.New()
	s.Spinner = spinner.Dot

	return App{
		deps:    deps,
		ctx:     ctx,
		keys:    defaultKeys(),
		help:    help.New(),
		pager:   p,
		spinner: s,
	}
}

// Init loads the first page and the ticker.
func (a App) Init() tea.Cmd {
	return tea.Batch(a.loadPage(0), a.loadTicker(), a.spinner.Tick)
}

func (a App) loadPage(page int) tea.Cmd {
	list, size := a.deps.List, a.deps.PageSize
	return func() tea.Msg {
		return PageLoaded{
			Page:    page,
			Entries: list.Page(page, size),
			Visible: list.VisibleCount(),
			Filter:  list.Filter(),
			Order:   list.Order(),
		}
	}
}

func (a App) loadTicker() tea.Cmd {
	if a.deps.Ticker == nil {
		return nil
	}
	ticker := a.deps.Ticker
	return func() tea.Msg { return TickerLoaded{Lines: ticker()} }
}

func (a App) setFilter(f incidentlist.Filter) tea.Cmd {
	list, ctx := a.deps.List, a.ctx
	return func() tea.Msg {
		if err := list.SetFilter(ctx, f); err != nil {
			return ListError{Err: err}
		}
		return ListChanged{Stage: "filter", Done: 1, Total: 1}
	}
}

func (a App) setSort(o incidentlist.Order) tea.Cmd {
	list, ctx := a.deps.List, a.ctx
	return func() tea.Msg {
		if err := list.SetSort(ctx, o); err != nil {
			return ListError{Err: err}
		}
		return ListChanged{Stage: "sort", Done: 1, Total: 1}
	}
}

func (a App) refresh() tea.Cmd {
	if a.deps.Refresh == nil {
		return nil
	}
	fn, ctx := a.deps.Refresh, a.ctx
	return func() tea.Msg { return RefreshDone{Err: fn(ctx)} }
}

// Update handles messages and returns the updated model and any commands.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		a.ready = true
		return a, nil

	case PageLoaded:
		a.entries = msg.Entries
		a.visible = msg.Visible
		a.filter = msg.Filter
		a.order = msg.Order
		if msg.Visible > 0 {
			a.pager.SetTotalPages(msg.Visible)
		} else {
			a.pager.TotalPages = 1
		}
		a.pager.Page = msg.Page
		if a.pager.TotalPages > 0 && a.pager.Page >= a.pager.TotalPages {
			last := a.pager.TotalPages - 1
			return a, a.loadPage(last)
		}
		if a.cursor >= len(a.entries) {
			a.cursor = max(len(a.entries)-1, 0)
		}
		return a, nil

	case ListChanged:
		a.busy = msg.Done < msg.Total
		return a, a.loadPage(a.pager.Page)

	case ListError:
		a.err = msg.Err
		return a, nil

	case TickerLoaded:
		a.ticker = msg.Lines
		return a, nil

	case TickerTick:
		return a, a.loadTicker()

	case CycleDone:
		if msg.Err != nil {
			a.status = fmt.Sprintf("%s: %v", shortSource(msg.Collection), msg.Err)
		} else if msg.Inserted > 0 {
			a.status = fmt.Sprintf("%d new from %s", msg.Inserted, shortSource(msg.Collection))
		}
		return a, a.loadTicker()

	case RefreshDone:
		a.busy = false
		switch {
		case errors.Is(msg.Err, feed.ErrThrottled):
			a.status = "refresh throttled, try again later"
		case msg.Err != nil:
			a.err = msg.Err
		default:
			a.status = "refreshing feeds"
		}
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// handleKeyMsg processes keyboard input.
func (a App) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	a.err = nil
	a.status = ""

	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, a.keys.Down):
		if a.cursor < len(a.entries)-1 {
			a.cursor++
		}
	case key.Matches(msg, a.keys.Up):
		if a.cursor > 0 {
			a.cursor--
		}

	case key.Matches(msg, a.keys.Next):
		if !a.pager.OnLastPage() {
			a.cursor = 0
			return a, a.loadPage(a.pager.Page + 1)
		}
	case key.Matches(msg, a.keys.Prev):
		if a.pager.Page > 0 {
			a.cursor = 0
			return a, a.loadPage(a.pager.Page - 1)
		}

	case key.Matches(msg, a.keys.Filter):
		return a, a.setFilter(nextFilter(a.filter, a.deps.List.Types()))
	case key.Matches(msg, a.keys.Type):
		return a, a.setFilter(nextType(a.filter, a.deps.List.Types()))
	case key.Matches(msg, a.keys.Sort):
		next := incidentlist.SortAsc
		if a.order == incidentlist.SortAsc {
			next = incidentlist.SortDesc
		}
		return a, a.setSort(next)

	case key.Matches(msg, a.keys.Refresh):
		if cmd := a.refresh(); cmd != nil {
			a.busy = true
			return a, cmd
		}

	case key.Matches(msg, a.keys.Open):
		a.open = !a.open && len(a.entries) > 0
	case key.Matches(msg, a.keys.Debug):
		a.debug = !a.debug
	}
	return a, nil
}

// nextFilter cycles none → hasDetails → first type → none.
func nextFilter(f incidentlist.Filter, types []string) incidentlist.Filter {
	switch f.Kind {
	case incidentlist.FilterNone:
		return incidentlist.Filter{Kind: incidentlist.FilterHasDetails}
	case incidentlist.FilterHasDetails:
		if len(types) > 0 {
			return incidentlist.Filter{Kind: incidentlist.FilterByType, Type: types[0]}
		}
	}
	return incidentlist.Filter{}
}

// nextType steps through the known types, wrapping back to no filter.
func nextType(f incidentlist.Filter, types []string) incidentlist.Filter {
	if len(types) == 0 {
		return incidentlist.Filter{}
	}
	if f.Kind != incidentlist.FilterByType {
		return incidentlist.Filter{Kind: incidentlist.FilterByType, Type: types[0]}
	}
	i := slices.Index(types, f.Type)
	if i < 0 || i+1 >= len(types) {
		return incidentlist.Filter{}
	}
	return incidentlist.Filter{Kind: incidentlist.FilterByType, Type: types[i+1]}
}

// View renders the UI.
func (a App) View() string {
	if !a.ready {
		return "Loading..."
	}
	if a.debug {
		return debugOverlay(a.deps.Events, a.width, a.height)
	}

	ticker := RenderTicker(a.ticker, a.width)
	chrome := 2
	if ticker != "" {
		chrome++
	}
	if a.err != nil {
		chrome++
	}

	body := ""
	if a.open && a.cursor < len(a.entries) {
		body = RenderDetails(a.entries[a.cursor], a.width) + "\n"
	} else {
		body = RenderList(a.entries, a.cursor, a.width, a.height-chrome)
	}

	out := ""
	if ticker != "" {
		out += ticker + "\n"
	}
	out += body
	if a.err != nil {
		out += ErrorStyle.Width(a.width).Render("Error: "+a.err.Error()) + "\n"
	}
	return out + a.statusBar() + "\n" + a.help.View(a.keys)
}

func (a App) statusBar() string {
	state := fmt.Sprintf("%s · %s · page %s · %d incidents", a.filter, a.order, a.pager.View(), a.visible)
	if a.busy {
		state = a.spinner.View() + " " + state
	}
	if a.status != "" {
		state += " · " + a.status
	}
	return StatusBar.Width(a.width).Render(state)
}

// Cursor returns the cursor position on the current page.
func (a App) Cursor() int { return a.cursor }

// Entries returns the entries on the current page.
func (a App) Entries() []incidentlist.Entry { return a.entries }

// Page returns the current zero-based page.
func (a App) Page() int { return a.pager.Page }

// Visible returns the visible count from the last page load.
func (a App) Visible() int { return a.visible }
