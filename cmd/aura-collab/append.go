package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MainaJoseph/aura-editor-sub000/internal/collab"
	"github.com/MainaJoseph/aura-editor-sub000/internal/logging"
	"github.com/MainaJoseph/aura-editor-sub000/internal/presence"
	"github.com/MainaJoseph/aura-editor-sub000/internal/remote"
	"github.com/MainaJoseph/aura-editor-sub000/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const appendTimeout = 30 * time.Second

func newAppendCommand() *cobra.Command {
	var (
		documentFlag string
		textFlag     string
		scopeFlag    string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Connect a sync client to a server, append text to a document and disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(cmd, documentFlag, textFlag, scopeFlag)
		},
	}
	flags := cmd.Flags()
	flags.String("server", "http://127.0.0.1:8080", "Sync server base URL")
	flags.String("token", "", "Session token")
	flags.StringVar(&documentFlag, "document", "", "Document id")
	flags.StringVar(&textFlag, "text", "", "Text to append")
	flags.StringVar(&scopeFlag, "scope", "", "Presence scope to announce while connected")
	bindLocalFlag(cmd, "client.server_url", "server")
	bindLocalFlag(cmd, "client.token", "token")
	return cmd
}

func runAppend(cmd *cobra.Command, rawDocumentID, text, rawScopeID string) error {
	documentID, err := collab.NewDocumentID(rawDocumentID)
	if err != nil {
		return err
	}
	if text == "" {
		return errors.New("append: --text is required")
	}
	token := strings.TrimSpace(viper.GetString("client.token"))
	if token == "" {
		return errors.New("append: a session token is required (--token or AURA_CLIENT_TOKEN)")
	}

	logger, err := logging.NewLogger(viper.GetString("log.level"), "aura-collab-client")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	connections := remote.NewShared(remote.Config{
		BaseURL: viper.GetString("client.server_url"),
		Token:   token,
		Logger:  logger,
	})
	defer connections.Close() //nolint:errcheck
	connection, release, err := connections.Acquire()
	if err != nil {
		return err
	}

	var presenceConfig *syncclient.Presence
	if rawScopeID != "" {
		scopeID, err := presence.NewScopeID(rawScopeID)
		if err != nil {
			release()
			return err
		}
		presenceConfig = &syncclient.Presence{
			Tracker: connection,
			ScopeID: scopeID,
			// The server replaces the user with the session identity.
			UserID: presence.UserID("session"),
		}
	}

	client, err := syncclient.New(syncclient.Config{
		DocumentID: documentID,
		Store:      connection,
		Mirror:     connection,
		Presence:   presenceConfig,
		Options: syncclient.Options{
			Debounce:          viper.GetDuration("collab.debounce"),
			MirrorInterval:    viper.GetDuration("collab.mirror_interval"),
			HeartbeatInterval: viper.GetDuration("presence.heartbeat_interval"),
		},
		Logger:  logger,
		Release: release,
	})
	if err != nil {
		release()
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), appendTimeout)
	defer cancel()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), appendTimeout)
		defer closeCancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("sync client close failed", zap.Error(err))
		}
	}()

	synced, unsubscribe := client.SubscribeSynced(ctx)
	defer unsubscribe()
	select {
	case <-synced:
	case <-ctx.Done():
		return fmt.Errorf("append: document %s did not sync: %w", documentID, ctx.Err())
	}

	current, err := client.Text(ctx)
	if err != nil {
		return err
	}
	if err := client.Insert(ctx, len([]rune(current)), text); err != nil {
		return err
	}
	updated, err := client.Text(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), updated)
	return err
}
