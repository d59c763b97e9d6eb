package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/ctxbus/internal/endpoint"
	"github.com/danmuck/ctxbus/internal/logging"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/danmuck/ctxbus/internal/runtime"
	"github.com/danmuck/ctxbus/internal/transport/wsock"
	"github.com/spf13/cobra"
)

type clientFlags struct {
	url string
	as  string
}

func (f *clientFlags) register(cmd *cobra.Command, defaultAs string) {
	cmd.Flags().StringVar(&f.url, "url", "ws://127.0.0.1:9400/bus", "Hub websocket URL")
	cmd.Flags().StringVar(&f.as, "as", defaultAs, "Context address to connect as (popup, options, sidepanel, devtools@<tab>)")
}

func (f *clientFlags) open(ctx context.Context) (*endpoint.Endpoint, error) {
	self, err := protocol.ParseAddress(f.as)
	if err != nil {
		return nil, err
	}
	return endpoint.New(ctx, endpoint.Config{Context: self.Context, Scope: self.Scope}, wsock.NewDialer(f.url, self.Scope))
}

func parsePayload(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("payload is not valid JSON: %s", raw)
	}
	return json.RawMessage(raw), nil
}

func newCallCommand() *cobra.Command {
	var flags clientFlags
	var data string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "call <message-id> <destination>",
		Short:   "Send one message and print the reply",
		Example: `busctl call ping background --data '"hi"'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			logging.ConfigureRuntime()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			e, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()

			out, err := e.SendMessage(ctx, args[0], payload, args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	flags.register(cmd, "popup")
	cmd.Flags().StringVarP(&data, "data", "d", "", "JSON payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up waiting for the reply after this long")

	return cmd
}

func newServeCommand() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect as a context and answer echo and ping messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			registerServeHandlers(e)

			logging.Infof("busctl.serve self=%s url=%s", e.Self(), flags.url)
			<-ctx.Done()
			return nil
		},
	}

	flags.register(cmd, "options")

	return cmd
}

func registerServeHandlers(e *endpoint.Endpoint) {
	e.OnMessage("echo", func(_ context.Context, msg runtime.Message) (any, error) {
		logging.Debugf("busctl.serve echo sender=%s id=%s", msg.Sender, msg.ID)
		return msg.Payload, nil
	})
	e.OnMessage("ping", func(context.Context, runtime.Message) (any, error) {
		return "pong", nil
	})
}
