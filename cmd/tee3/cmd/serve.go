package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gematik/tee3/pkg/ca"
	"github.com/gematik/tee3/pkg/tee3"
	"github.com/gematik/tee3/pkg/vauserver"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultMockRootsFile = "tee3-mock-roots.pem"

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "Address to listen on, overrides server.address")
	viper.BindPFlag("addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a VAU test server with a mock PKI and an echo backend",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		cobra.CheckErr(err)
		srv := cfg.Server

		pki, err := ca.NewMockVauPKI()
		cobra.CheckErr(err)
		rootsPath := cfg.Path(srv.MockRootsPath)
		if rootsPath == "" {
			rootsPath = cfg.Path(defaultMockRootsFile)
		}
		pemData, err := ca.EncodeCertToPEM(pki.Root.Certificate, pki.SubCA.Certificate)
		cobra.CheckErr(err)
		cobra.CheckErr(os.WriteFile(rootsPath, []byte(pemData), 0644))
		slog.Info("Wrote mock trust roots, use them as client.trust_roots_path", "path", rootsPath)

		keys, err := tee3.NewServerKeyPairs(tee3.ServerKeysConfig{
			Certificate: tee3.AutTeeCertificate{Cert: pki.Leaf.Raw, CA: pki.SubCA.Certificate.Raw},
			Signer:      pki.LeafKey,
			OCSP:        pki.OCSP,
			Lifetime:    srv.KeyLifetime,
			Comment:     "tee3 serve " + Version,
		})
		cobra.CheckErr(err)

		vau, err := vauserver.New(keys, vauserver.Config{
			Cluster:    srv.Cluster,
			Pod:        srv.Pod,
			IsPU:       cfg.Environment.IsPU(),
			ChannelTTL: srv.ChannelTTL,
		}, vauserver.WithHandler(echoBackend()))
		cobra.CheckErr(err)
		defer vau.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go vau.RunSweeper(ctx)
		go refreshKeys(ctx, keys, srv.KeyLifetime/2)

		e := echo.New()
		e.HideBanner = true
		e.Use(middleware.Recover())
		vau.MountRoutes(e.Group(""))
		for _, route := range e.Routes() {
			slog.Debug("Route", "method", route.Method, "path", route.Path)
		}

		addr := viper.GetString("addr")
		if addr == "" {
			addr = srv.Address
		}
		slog.Info("Starting VAU server", "version", Version, "addr", addr, "env", cfg.Environment, "cluster", srv.Cluster, "pod", srv.Pod)
		go func() {
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server failed", "error", err)
				stop()
			}
		}()

		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		cobra.CheckErr(e.Shutdown(shutdown))
		slog.Info("VAU server stopped")
	},
}

// echoBackend answers every inner request with its method, path, headers and body.
func echoBackend() http.Handler {
	e := echo.New()
	e.Any("/*", func(c echo.Context) error {
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]any{
			"method":  c.Request().Method,
			"path":    c.Request().URL.Path,
			"query":   c.Request().URL.RawQuery,
			"headers": c.Request().Header,
			"body":    string(body),
		})
	})
	return e
}

func refreshKeys(ctx context.Context, keys *tee3.ServerKeyPairs, interval time.Duration) {
	interval = max(interval, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rotated, err := keys.Maintain(interval)
			switch {
			case err != nil:
				slog.Error("Failed to maintain server keys", "error", err, "age", keys.Age())
			case rotated:
				slog.Info("Server key pairs rotated")
			default:
				slog.Info("Signed public keys refreshed", "age", keys.Age())
			}
		}
	}
}
