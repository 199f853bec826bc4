package console

import (
	"ai-selector-healer/internal/config"
	"ai-selector-healer/internal/entity"
	"ai-selector-healer/internal/usecase"
	"ai-selector-healer/pkg/logg"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultLogTail = 5

var errExit = errors.New("exit")

type Interface struct {
	config     *config.Config
	logger     *zap.Logger
	usecase    *usecase.Service
	shutdowner fx.Shutdowner
	in         io.Reader
	out        io.Writer
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

type Params struct {
	fx.In

	Config     *config.Config
	Logger     *zap.Logger
	Usecase    *usecase.Service
	Shutdowner fx.Shutdowner `optional:"true"`
}

func NewInterface(params Params) *Interface {
	ctx, cancel := context.WithCancel(context.Background())

	return &Interface{
		config:     params.Config,
		logger:     params.Logger.With(zap.String(logg.Layer, "Console")),
		usecase:    params.Usecase,
		shutdowner: params.Shutdowner,
		in:         os.Stdin,
		out:        os.Stdout,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start reads commands until exit or EOF, then asks the app to shut down.
func (i *Interface) Start() error {
	i.printBanner()
	i.printHelp()

	scanner := bufio.NewScanner(i.in)

	for i.ctx.Err() == nil {
		fmt.Fprint(i.out, "\n> ")

		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if err := i.handleCommand(input); err != nil {
			if errors.Is(err, errExit) {
				break
			}

			i.logger.Error("Command error", zap.Error(err))
			fmt.Fprintf(i.out, "Error: %v\n", err)
		}
	}

	if i.shutdowner != nil {
		return i.shutdowner.Shutdown()
	}

	return scanner.Err()
}

func (i *Interface) Stop() error {
	i.stopOnce.Do(func() {
		i.logger.Info("Stopping console interface...")
		i.cancel()
	})

	return nil
}

func (i *Interface) handleCommand(input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "h":
		i.printHelp()

		return nil
	case "exit", "quit", "q":
		fmt.Fprintln(i.out, "Shutting down...")

		return errExit
	case "open":
		return i.runStep(entity.Step{Action: entity.StepActionNavigate, URL: rest})
	case "click":
		return i.runStep(entity.Step{Action: entity.StepActionClick, Selector: rest})
	case "text":
		return i.runStep(entity.Step{Action: entity.StepActionText, Selector: rest})
	case "wait":
		return i.runStep(entity.Step{Action: entity.StepActionWait, Selector: rest})
	case "fill":
		selector, value := splitFill(rest)

		return i.runStep(entity.Step{Action: entity.StepActionFill, Selector: selector, Value: value})
	case "heal":
		return i.heal(rest)
	case "map":
		return i.printMap()
	case "update":
		key, selector, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(selector) == "" {
			return fmt.Errorf("usage: update <key> <selector>")
		}

		if err := i.usecase.Healer.UpdateSelector(i.ctx, key, strings.TrimSpace(selector)); err != nil {
			return err
		}
		fmt.Fprintf(i.out, "Stored %s -> %s\n", key, strings.TrimSpace(selector))

		return nil
	case "log":
		return i.printLog(rest)
	case "release":
		i.usecase.Healer.Release(i.ctx)
		fmt.Fprintln(i.out, "Model release requested")

		return nil
	default:
		return fmt.Errorf("unknown command %q, type help", cmd)
	}
}

func (i *Interface) runStep(st entity.Step) error {
	res, err := i.usecase.Steps.Run(i.ctx, st)
	if err != nil {
		if res != nil && res.Screenshot != "" {
			fmt.Fprintf(i.out, "Screenshot: %s\n", res.Screenshot)
		}

		return err
	}

	if res.Healed {
		fmt.Fprintf(i.out, "OK (healed: %s)\n", res.Selector)
	} else {
		fmt.Fprintln(i.out, "OK")
	}

	if st.Action == entity.StepActionText {
		fmt.Fprintf(i.out, "%q\n", res.Text)
	}

	return nil
}

func (i *Interface) heal(rest string) error {
	// xpath unions use "|" too, so the label starts after the last one.
	sep := strings.LastIndex(rest, "|")
	if sep < 0 {
		return fmt.Errorf("usage: heal <selector> | <label>")
	}

	selector, label := strings.TrimSpace(rest[:sep]), strings.TrimSpace(rest[sep+1:])
	if selector == "" || label == "" {
		return fmt.Errorf("usage: heal <selector> | <label>")
	}

	if !i.usecase.Browser.IsReady() {
		return fmt.Errorf("browser is not ready")
	}

	healed, valid := i.usecase.Healer.HealByLabel(i.ctx, i.usecase.Browser.Page(), selector, label, "console heal "+label)

	switch {
	case valid:
		fmt.Fprintf(i.out, "Healed: %s\n", healed)
	case healed != "":
		fmt.Fprintf(i.out, "Suggested but not found on page: %s\n", healed)
	default:
		fmt.Fprintln(i.out, "No selector suggested")
	}

	return nil
}

func (i *Interface) printMap() error {
	selectors := i.usecase.Store.Snapshot()
	if len(selectors) == 0 {
		fmt.Fprintln(i.out, "{}")

		return nil
	}

	data, err := json.MarshalIndent(selectors, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(i.out, string(data))

	return nil
}

func (i *Interface) printLog(rest string) error {
	n := defaultLogTail
	if rest != "" {
		parsed, err := strconv.Atoi(rest)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("usage: log [count]")
		}
		n = parsed
	}

	entries, err := i.usecase.Store.Attempts(i.ctx)
	if err != nil {
		return err
	}

	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}

	for _, e := range entries {
		status := "rejected"
		if e.Valid {
			status = "healed"
		}

		fmt.Fprintf(i.out, "%s  %-9s %-8s %s -> %s %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Variant, status, e.OriginalSelector, e.SuggestedSelector, e.Confidence)
	}

	return nil
}

// splitFill accepts "<selector> = <value>" for selectors with spaces and
// "<selector> <value>" otherwise.
func splitFill(rest string) (string, string) {
	if selector, value, ok := strings.Cut(rest, " = "); ok {
		return strings.TrimSpace(selector), value
	}

	selector, value, _ := strings.Cut(rest, " ")

	return selector, value
}

func (i *Interface) printBanner() {
	fmt.Fprintln(i.out, `
+-----------------------------------------------------+
|              AI Selector Healer console             |
+-----------------------------------------------------+`)
	fmt.Fprintf(i.out, "Oracle: %s (%s)\n", i.config.OracleConfig.Model, i.config.OracleConfig.Provider)
}

func (i *Interface) printHelp() {
	fmt.Fprintln(i.out, `
Available commands:
  open <url>                  - Navigate (relative to BROWSER_BASE_URL if set)
  click <selector>            - Click, healing the selector if it fails
  fill <selector> <value>     - Fill a field; use "<selector> = <value>" when the selector has spaces
  text <selector>             - Print an element's text
  wait <selector>             - Wait for an element to become visible
  heal <selector> | <label>   - Ask the model for a replacement selector
  map                         - Show healed selectors
  update <key> <selector>     - Store a selector by hand
  log [count]                 - Show the latest heal attempts
  release                     - Unload the model from the inference server
  help, h                     - Show this help message
  exit, quit, q               - Exit the application`)
}
