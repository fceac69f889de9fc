package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"portalauth/client"
	"portalauth/pkce"
)

const defaultCallbackPort = 8400

type LoginOptions struct {
	Backend      string
	Port         int
	SoftwareHash bool
	NoBrowser    bool
	Timeout      time.Duration
	Verbose      bool
	Authority    string
	GraphURL     string

	openURL func(string) error
}

func DefaultLoginOptions() *LoginOptions {
	backend := os.Getenv("PORTAL_BACKEND_URL")
	if backend == "" {
		backend = "http://127.0.0.1:8000"
	}
	return &LoginOptions{
		Backend: backend,
		Port:    defaultCallbackPort,
		Timeout: 5 * time.Minute,
		openURL: browser.OpenURL,
	}
}

func NewCmdLogin() *cobra.Command {
	o := DefaultLoginOptions()
	cmd := &cobra.Command{
		Use:   "portal-login [flags]",
		Short: "Sign in to the portal with a Microsoft work account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	o.Bind(cmd.Flags())
	return cmd
}

func (o *LoginOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Backend, "backend", "b", o.Backend, "Portal backend URL (env PORTAL_BACKEND_URL)")
	fs.IntVarP(&o.Port, "port", "p", o.Port, "Loopback port for the sign-in callback; http://localhost:<port>/auth/callback must be a registered redirect URI")
	fs.BoolVar(&o.SoftwareHash, "software-hash", o.SoftwareHash, "Compute the PKCE challenge with the built-in SHA-256 instead of the platform one")
	fs.BoolVar(&o.NoBrowser, "no-browser", o.NoBrowser, "Print the sign-in URL instead of opening a browser")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "How long to wait for the sign-in to finish")
	fs.BoolVarP(&o.Verbose, "verbose", "v", o.Verbose, "Log every sign-in step to stderr")
	fs.StringVar(&o.Authority, "authority", o.Authority, "Override the Microsoft login host")
	fs.StringVar(&o.GraphURL, "graph-url", o.GraphURL, "Override the Microsoft Graph base URL")
	_ = fs.MarkHidden("authority")
	_ = fs.MarkHidden("graph-url")
}

func (o *LoginOptions) Validate() error {
	if !strings.HasPrefix(o.Backend, "http://") && !strings.HasPrefix(o.Backend, "https://") {
		return fmt.Errorf("--backend must be an http(s) URL, got %q", o.Backend)
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("--port out of range: %d", o.Port)
	}
	if o.Timeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	return nil
}

// Run performs one sign-in: it serves the callback on a loopback listener, sends the
// user to Microsoft and waits for the flow to hand the identity to the backend.
func (o *LoginOptions) Run(ctx context.Context, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	backend, err := client.NewBackend(o.Backend, nil)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", o.Port))
	if err != nil {
		return fmt.Errorf("failed to open callback listener: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	flow, err := client.New(client.Options{
		Origin:    fmt.Sprintf("http://localhost:%d", port),
		Config:    backend,
		Handoff:   backend,
		Hasher:    pkce.Detect(o.SoftwareHash),
		Navigator: client.NavigatorFunc(o.navigate(out)),
		Endpoints: client.Endpoints{Authority: o.Authority, Graph: o.GraphURL},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(client.CallbackPath, callbackHandler(ctx, flow, done))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	defer srv.Close()
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("callback server stopped", "error", err)
		}
	}()

	if _, err := flow.Start(ctx); err != nil {
		return err
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		return fmt.Errorf("sign-in did not finish: %w", ctx.Err())
	}
	if err != nil {
		return err
	}

	user, err := backend.Me(ctx)
	if err != nil {
		return fmt.Errorf("signed in but the session could not be read: %w", err)
	}
	fmt.Fprintf(out, "Signed in as %s\n", describeUser(user))
	return nil
}

func (o *LoginOptions) navigate(out io.Writer) func(context.Context, string) error {
	return func(_ context.Context, authURL string) error {
		if o.NoBrowser {
			fmt.Fprintf(out, "Open this URL in a browser to sign in:\n%s\n", authURL)
			return nil
		}
		fmt.Fprintf(out, "Opening sign-in URL in default browser: %s\n", authURL)
		return o.openURL(authURL)
	}
}

// callbackHandler finishes the flow on the provider redirect. A request without a code
// is answered with an error page and leaves the flow untouched.
func callbackHandler(ctx context.Context, flow *client.Flow, done chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		if code == "" {
			msg := "Missing authorization code."
			if desc := q.Get("error_description"); desc != "" {
				msg = desc
			} else if e := q.Get("error"); e != "" {
				msg = e
			}
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Sign-in failed: %s\n", msg)
			select {
			case done <- errors.New(msg):
			default:
			}
			return
		}

		err := flow.Complete(ctx, code, q.Get("state"))
		if err != nil {
			var fe *client.Error
			msg := err.Error()
			if errors.As(err, &fe) {
				msg = fe.Message
			}
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, "Sign-in failed: %s\n", msg)
		} else {
			fmt.Fprintln(w, "Sign-in complete. You can close this window and return to the terminal.")
		}
		select {
		case done <- err:
		default:
		}
	}
}

func describeUser(u client.User) string {
	switch {
	case u.Name != "" && u.Email != "":
		return fmt.Sprintf("%s <%s>", u.Name, u.Email)
	case u.Email != "":
		return u.Email
	case u.Name != "":
		return u.Name
	default:
		return u.Sub
	}
}
