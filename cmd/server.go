package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/browser"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/livedetect/config"
	"github.com/babelcloud/livedetect/internal/server"
	"github.com/babelcloud/livedetect/internal/server/handlers"
	"github.com/babelcloud/livedetect/internal/util"
	"github.com/babelcloud/livedetect/internal/version"
)

// NewServerCmd creates the server command with subcommands
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run or inspect the detection server",
		Long:  `Run the LiveDetect HTTP server or query a running one.`,
	}

	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStatusCmd())

	return cmd
}

// newServerStartCmd creates the 'server start' subcommand
func newServerStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the server in the foreground",
		Long:          `Start the LiveDetect server. It runs until interrupted with Ctrl+C.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerInForeground(cmd.OutOrStdout())
		},
		Example: `  # Start on the default port (5001, or $PORT)
  livedetect server start

  # Start on a specific port and open the viewer
  livedetect server start -p 8080 --open`,
	}

	flags := cmd.Flags()
	flags.IntP("port", "p", config.Server().Port, "Server port")
	flags.Bool("open", false, "Open the viewer page in a browser once the server is up")
	config.BindFlag("server.port", flags.Lookup("port"))
	config.BindFlag("server.open_browser", flags.Lookup("open"))

	return cmd
}

// newServerStatusCmd creates the 'server status' subcommand
func newServerStatusCmd() *cobra.Command {
	var (
		port    int
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:          "status",
		Short:        "Check server status",
		Long:         `Show whether the server is running and whether its model and camera are ready.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL := fmt.Sprintf("http://localhost:%d", port)
			client := newAPIClient()
			out := cmd.OutOrStdout()

			var (
				st  *handlers.ServerStatus
				err error
			)
			if wait {
				st, err = waitForModel(cmd.Context(), client, baseURL, timeout, out)
			} else {
				st, err = fetchServerStatus(client, baseURL)
			}
			if err != nil && st != nil {
				printServerStatus(out, baseURL, st)
				return err
			}
			if err != nil {
				if errors.Is(err, ServerPortUnavailableError) {
					fmt.Fprintf(out, "%s Server is not running on port %d\n", color.RedString("✗"), port)
					fmt.Fprintln(out, "  Use 'livedetect server start' to start the server")
					return nil
				}
				return err
			}
			printServerStatus(out, baseURL, st)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.Server().Port, "Server port")
	flags.BoolVar(&wait, "wait", false, "Wait until the model is loaded")
	flags.DurationVar(&timeout, "timeout", time.Minute, "How long --wait waits")

	return cmd
}

func newAPIClient() *resty.Client {
	return resty.New().
		SetTimeout(2*time.Second).
		SetHeader("User-Agent", version.UserAgent())
}

func fetchServerStatus(client *resty.Client, baseURL string) (*handlers.ServerStatus, error) {
	var st handlers.ServerStatus
	resp, err := client.R().SetResult(&st).Get(baseURL + "/api/status")
	if err != nil {
		return nil, ServerPortUnavailableError
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, errors.Wrapf(ServerMismatchedError, "GET /api/status returned %d", resp.StatusCode())
	}
	return &st, nil
}

// waitForModel polls /api/status until the model is loaded. A spinner is
// shown when stdout is a terminal.
func waitForModel(ctx context.Context, client *resty.Client, baseURL string, timeout time.Duration, out io.Writer) (*handlers.ServerStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.Suffix = " Waiting for the model to load..."
		s.Start()
		defer s.Stop()
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := fetchServerStatus(client, baseURL)
		if err == nil && st.ModelLoaded {
			return st, nil
		}
		if err != nil && !errors.Is(err, ServerPortUnavailableError) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return nil, err
			}
			return st, errors.Errorf("model not loaded after %s", timeout)
		case <-ticker.C:
		}
	}
}

func printServerStatus(w io.Writer, baseURL string, st *handlers.ServerStatus) {
	fmt.Fprintf(w, "%s Server is running at %s\n\n", color.GreenString("✓"), color.CyanString(baseURL))

	backend := st.Backend
	if backend == "" {
		backend = "-"
	}
	rows := []map[string]interface{}{
		{"field": "version", "value": st.Version},
		{"field": "uptime", "value": st.Uptime},
		{"field": "model", "value": readiness(st.ModelLoaded, "loaded", "not loaded")},
		{"field": "camera", "value": readiness(st.CameraAvailable, "available", "unavailable")},
		{"field": "backend", "value": backend},
		{"field": "sessions", "value": fmt.Sprintf("%d active, %d total", st.ActiveSessions, st.TotalSessions)},
	}
	for _, r := range st.Resources {
		if r.Error != "" {
			rows = append(rows, map[string]interface{}{
				"field": r.Name + " error",
				"value": color.New(color.Faint).Sprint(r.Error),
			})
		}
	}
	if st.MQTT != nil {
		rows = append(rows, map[string]interface{}{
			"field": "mqtt",
			"value": fmt.Sprintf("%s %s (%d published, %d errors)",
				readiness(st.MQTT.Connected, "connected", "disconnected"), st.MQTT.Broker, st.MQTT.Published, st.MQTT.Errors),
		})
	}

	util.RenderTableTo(w, []util.TableColumn{
		{Header: "FIELD", Key: "field"},
		{Header: "VALUE", Key: "value"},
	}, rows)
}

func readiness(ok bool, yes, no string) string {
	if ok {
		return color.GreenString(yes)
	}
	return color.YellowString(no)
}

// checkServerStatus reports whether a LiveDetect server answers on port.
func checkServerStatus(port int) error {
	var body map[string]interface{}
	resp, err := newAPIClient().R().SetResult(&body).Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return ServerPortUnavailableError
	}
	if resp.StatusCode() != http.StatusOK {
		return ServerMismatchedError
	}
	_, hasModel := body["model_loaded"]
	_, hasCamera := body["camera_available"]
	if !hasModel || !hasCamera {
		return ServerMismatchedError
	}
	return nil
}

func runServerInForeground(out io.Writer) error {
	port := config.Server().Port
	if err := checkServerStatus(port); err != nil {
		if err == ServerMismatchedError {
			return errors.Wrapf(err, "port %d is already used by another service", port)
		}
	} else {
		fmt.Fprintf(out, "server is already running on port %d\n", port)
		return nil
	}

	srv, err := server.NewFromConfig()
	if err != nil {
		return err
	}
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if err := waitUntilServing(port, errChan); err != nil {
		srv.Stop()
		return err
	}

	url := "http://localhost:" + strconv.Itoa(port)
	fmt.Fprintf(out, "%s %s %s\n", color.GreenString("🚀 LiveDetect"), color.CyanString("➜"), color.BlueString(url))
	fmt.Fprintf(out, "   video feed: %s\n", color.BlueString(url+"/video_feed"))
	if path := config.ConfigFileUsed(); path != "" {
		fmt.Fprintf(out, "   config:     %s\n", path)
	}
	fmt.Fprintln(out, color.CyanString("Press Ctrl+C to stop..."))

	if config.Server().OpenBrowser {
		if err := browser.OpenURL(url); err != nil {
			util.GetCompatLogger().Warnf("Failed to open browser: %v", err)
		}
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
	case err := <-errChan:
		srv.Stop()
		return errors.Wrap(err, "server stopped unexpectedly")
	}

	util.GetCompatLogger().Infof("Shutting down server...")
	if err := srv.Stop(); err != nil {
		util.GetCompatLogger().Errorf("Error stopping server: %v", err)
	}
	return nil
}

func waitUntilServing(port int, errChan <-chan error) error {
	for i := 0; i < 20; i++ {
		select {
		case err := <-errChan:
			return errors.Wrapf(err, "fail to start server on port %d", port)
		case <-time.After(250 * time.Millisecond):
		}
		if checkServerStatus(port) == nil {
			return nil
		}
	}
	return errors.Errorf("server did not come up on port %d", port)
}

var ServerPortUnavailableError = &serverPortUnavailableError{}

type serverPortUnavailableError struct{}

func (e *serverPortUnavailableError) Error() string {
	return "server port unavailable"
}

var ServerMismatchedError = &serverMismatchedError{}

type serverMismatchedError struct{}

func (e *serverMismatchedError) Error() string {
	return "server mismatched"
}
