// cmd/server/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Corphon/SceneIntruderGM/internal/app"
	"github.com/Corphon/SceneIntruderGM/internal/auth"
	"github.com/Corphon/SceneIntruderGM/internal/config"
	"github.com/Corphon/SceneIntruderGM/internal/models"
	"github.com/Corphon/SceneIntruderGM/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "scene-gm",
		Short:         "AI driven game master server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCommand(), newEventsCommand(), newTokenCommand(), newVersionCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Println("🚀 启动 SceneIntruderGM 服务器...")

			baseConfig, err := config.Load()
			if err != nil {
				return fmt.Errorf("加载配置失败: %w", err)
			}
			if err := os.MkdirAll(baseConfig.DataDir, 0755); err != nil {
				return fmt.Errorf("创建数据目录失败: %w", err)
			}
			log.Printf("✅ 基础配置加载完成，端口: %s", baseConfig.Port)

			if err := app.Initialize(baseConfig.DataDir); err != nil {
				return err
			}
			cfg := app.GetApp().GetConfig()
			log.Printf("✅ 服务初始化完成，会话: %s，存储: %s", cfg.Gameplay.SessionID, cfg.Gameplay.StorageBackend)
			log.Printf("🌐 服务器启动在端口 %s", cfg.Port)
			log.Printf("🔗 事件流: ws://localhost:%s/ws/sessions/%s/events", cfg.Port, cfg.Gameplay.SessionID)

			if err := app.Run(); err != nil {
				return fmt.Errorf("❌ 服务器异常退出: %w", err)
			}
			log.Println("✅ 服务器优雅关闭完成")
			return nil
		},
	}
}

// eventArchive 两种存储后端共有的读取接口
type eventArchive interface {
	LoadEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]models.Event, error)
}

func newEventsCommand() *cobra.Command {
	var (
		since   uint64
		limit   int
		session string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print archived events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseConfig, err := config.Load()
			if err != nil {
				return err
			}
			gameplay, err := config.LoadGameplay()
			if err != nil {
				return err
			}
			if session == "" {
				session = gameplay.SessionID
			}

			var archive eventArchive
			if gameplay.StorageBackend == "sqlite" {
				store, err := storage.OpenSQLite(gameplay.SQLitePath)
				if err != nil {
					return err
				}
				defer store.Close()
				archive = store
			} else {
				store, err := storage.NewFileStorage(baseConfig.DataDir)
				if err != nil {
					return err
				}
				archive = store
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			events, err := archive.LoadEvents(ctx, session, since, limit)
			if err != nil {
				return fmt.Errorf("读取事件失败: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&since, "since", 0, "only print events with a sequence number greater than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events, 0 for all")
	cmd.Flags().StringVar(&session, "session", "", "session id, defaults to SESSION_ID")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token signed with OPERATOR_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameplay, err := config.LoadGameplay()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = gameplay.OperatorTokenTTL
			}
			tokens := auth.NewTokenConfig(gameplay.OperatorSecret, ttl)
			if tokens == nil {
				return fmt.Errorf("OPERATOR_SECRET is not set, operator routes are unprotected")
			}
			token, err := auth.GenerateToken(subject, auth.ScopeOperator, tokens)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, defaults to OPERATOR_TOKEN_TTL")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
