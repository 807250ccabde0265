package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/veletrix/warden/internal/bridge"
	"github.com/veletrix/warden/internal/config"
	"github.com/veletrix/warden/internal/events"
	"github.com/veletrix/warden/internal/launch"
	"github.com/veletrix/warden/internal/notify"
	"github.com/veletrix/warden/internal/ratelimit"
	"github.com/veletrix/warden/internal/supervisor"
)

const serveMDNSServiceType = "_warden._tcp"

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with its HTTP/WebSocket bridge",
		Long: `Starts the supervision engine and exposes its event stream and
control API to the desktop shell over loopback HTTP.`,
		RunE: runServe,
	}
	cmd.Flags().String("host", "127.0.0.1", "Address to bind")
	cmd.Flags().Int("port", 8733, "Port to bind")
	cmd.Flags().String("auth-token", "", "Bearer token required for API access")
	cmd.Flags().Bool("expose", false, "Bind on all interfaces with a generated auth token")
	cmd.Flags().Bool("mdns", false, "Advertise the bridge on the local network via mDNS/Bonjour")
	rootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	authToken, _ := cmd.Flags().GetString("auth-token")
	expose, _ := cmd.Flags().GetBool("expose")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")

	if expose {
		host = "0.0.0.0"
		if !cmd.Flags().Changed("auth-token") {
			authToken = generateToken()
			fmt.Fprintf(os.Stderr, "Generated auth token: %s\n", authToken)
		}
		fmt.Fprintln(os.Stderr, "Warning: Exposing bridge on all interfaces.")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()
	tracker := ratelimit.New(config.Dir())
	if err := tracker.Load(); err != nil {
		return fmt.Errorf("loading rate-limit history: %w", err)
	}
	sup := supervisor.New(cfg, &launch.ExecLauncher{}, bus, tracker)

	srv := bridge.New(sup, bus, cfg, tracker, bridge.Options{
		Host:      host,
		Port:      port,
		AuthToken: authToken,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}

	url := "http://" + srv.Addr()
	fmt.Printf("\033]8;;%s\033\\%s\033]8;;\033\\\n", url, url)
	if authToken != "" {
		fmt.Println("Auth token required for API access.")
	}
	if expose {
		if err := printServeQRCode(url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}

	if expose || enableMDNS {
		_, bindPort := splitHostPort(srv.Addr())
		mdnsServer, err := startMDNSService(bindPort, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer mdnsServer.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Pushover.Configured() {
		go notify.New(cfg.Pushover).Watch(ctx, bus)
	}

	<-ctx.Done()

	sup.KillAll()
	sup.Wait()
	if err := tracker.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: saving rate-limit history: %v\n", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down bridge: %w", err)
	}
	return nil
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func startMDNSService(port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	txtRecords := []string{
		"service=warden",
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService("warden", serveMDNSServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{
		Zone: service,
	})
}

func printServeQRCode(url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Println(code.ToString(false))
	return nil
}

func splitHostPort(addr string) (string, int) {
	host, rawPort, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return host, 0
	}
	return host, port
}
