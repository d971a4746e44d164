package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		Long:  "Serves status, board, audit and events under the base path, Prometheus metrics at /metrics and Swagger UI at /docs. Requests need a bearer JWT signed with CREWLINE_JWT_SECRET or an X-Api-Key created with crew apikey create.",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Disabled: noAuth}
			if noAuth && !loopback(addr) {
				return fmt.Errorf("--no-auth is only allowed on a loopback address, got %s", addr)
			}
			if !noAuth && authCfg.JWTSecret == "" {
				fmt.Println("CREWLINE_JWT_SECRET is not set; only X-Api-Key credentials will be accepted")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				handler, err := server.New(server.Config{
					Engine:   env.Engine,
					BasePath: basePath,
					Auth:     authCfg,
					Metrics:  env.Metrics,
					Logger:   env.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "serve without authentication (loopback only)")
	return cmd
}

func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			claims := jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)}
			if ttl > 0 {
				claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
			}
			token, err := server.IssueToken(viper.GetString("jwt-secret"), subject, roles, claims)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
