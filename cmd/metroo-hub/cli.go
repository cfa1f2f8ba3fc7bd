package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/metroo-hub/internal/auth"
	"github.com/postalsys/metroo-hub/internal/config"
	"github.com/postalsys/metroo-hub/internal/control"
	"github.com/postalsys/metroo-hub/internal/tunnel"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// ============================================================================
// Tokens
// ============================================================================

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage agent tokens",
	}
	cmd.AddCommand(tokenIssueCmd())
	cmd.AddCommand(tokenRequestCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "issue AGENT_ID",
		Short: "Sign a token with the hub secret",
		Long:  "Sign an agent token locally using the secret from the hub configuration.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadHub(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := auth.NewAuthenticator(auth.Config{
				Secret:        []byte(cfg.Auth.Secret),
				TokenTTL:      cfg.Auth.TokenTTL,
				RotationGrace: cfg.Auth.RotationGrace,
			})
			if err != nil {
				return err
			}

			token, expires, err := a.Issue(args[0])
			if err != nil {
				return err
			}
			printToken(args[0], token, expires)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./hub.yaml", "Path to hub configuration file")

	return cmd
}

func tokenRequestCmd() *cobra.Command {
	var hubURL, user string

	cmd := &cobra.Command{
		Use:   "request AGENT_ID",
		Short: "Request a token from a running hub",
		Long:  "Request an agent token from the hub token endpoint using the admin credentials.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Admin password: ")
			if err != nil {
				return err
			}

			body, _ := json.Marshal(map[string]string{"agentId": args[0]})
			endpoint := strings.TrimSuffix(hubURL, "/") + "/api/tokens"

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.SetBasicAuth(user, password)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return fmt.Errorf("hub returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
			}

			var tr auth.TokenResponse
			if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			printToken(tr.AgentID, tr.Token, tr.ExpiresAt)
			return nil
		},
	}

	cmd.Flags().StringVar(&hubURL, "hub", "https://localhost:8443", "Hub base URL")
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "Admin user")

	return cmd
}

func printToken(agentID, token string, expires time.Time) {
	fmt.Fprintln(os.Stderr, okStyle.Render("✓ Token issued"))
	fmt.Fprintf(os.Stderr, "  Agent ID:  %s\n", agentID)
	fmt.Fprintf(os.Stderr, "  Expires:   %s (%s)\n", expires.Format(time.RFC3339), humanize.Time(expires))
	fmt.Println(token)
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash an admin password for the hub configuration",
		Long:  "Read a password and print the bcrypt hash for auth.admin_password_hash.",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

// readPassword prompts on a terminal or reads one line from piped stdin.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ============================================================================
// Control socket
// ============================================================================

func addSocketFlag(cmd *cobra.Command, socketPath *string) {
	cmd.Flags().StringVarP(socketPath, "socket", "s", control.DefaultServerConfig().SocketPath, "Path to the hub control socket")
}

func withControl(cmd *cobra.Command, socketPath string, fn func(ctx context.Context, c *control.Client) error) error {
	c := control.NewClient(socketPath)
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	return fn(ctx, c)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show hub status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, socketPath, func(ctx context.Context, c *control.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}

				fmt.Println(titleStyle.Render("Metroo hub"))
				fmt.Printf("  Started:      %s (%s)\n", st.StartedAt.Format(time.RFC3339), humanize.Time(st.StartedAt))
				fmt.Printf("  Uptime:       %s\n", st.Uptime)
				fmt.Printf("  Agents:       %d\n", st.Agents)
				fmt.Printf("  Services:     %d\n", st.Services)
				fmt.Printf("  Relays:       %d\n", st.Relays)
				fmt.Printf("  Ports:        %d in use of %d-%d\n", st.PortsInUse, st.PortRangeStart, st.PortRangeEnd)
				fmt.Printf("  Dial timeout: %s\n", st.DialTimeout)
				return nil
			})
		},
	}
	addSocketFlag(cmd, &socketPath)
	return cmd
}

func agentsCmd() *cobra.Command {
	var socketPath, disconnect string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, socketPath, func(ctx context.Context, c *control.Client) error {
				if disconnect != "" {
					if err := c.Disconnect(ctx, disconnect); err != nil {
						return err
					}
					fmt.Println(okStyle.Render("✓ Disconnected " + disconnect))
					return nil
				}

				resp, err := c.Agents(ctx)
				if err != nil {
					return err
				}
				if len(resp.Agents) == 0 {
					fmt.Println(dimStyle.Render("No agents connected."))
					return nil
				}

				t := newTable("AGENT", "REMOTE", "CONNECTED", "LAST SEEN", "SERVICES", "RELAYS")
				for _, a := range resp.Agents {
					t.Row(a.AgentID, a.RemoteAddr,
						humanize.Time(a.ConnectedAt), humanize.Time(a.LastSeen),
						strings.Join(a.Services, ","), strconv.Itoa(a.Relays))
				}
				fmt.Println(t)
				return nil
			})
		},
	}
	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&disconnect, "disconnect", "", "Close the session of this agent")
	return cmd
}

func servicesCmd() *cobra.Command {
	var socketPath, unexpose string

	cmd := &cobra.Command{
		Use:   "services",
		Short: "List exposed services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, socketPath, func(ctx context.Context, c *control.Client) error {
				if unexpose != "" {
					if err := c.Unexpose(ctx, unexpose); err != nil {
						return err
					}
					fmt.Println(okStyle.Render("✓ Unexposed " + unexpose))
					return nil
				}

				resp, err := c.Services(ctx)
				if err != nil {
					return err
				}
				if len(resp.Services) == 0 {
					fmt.Println(dimStyle.Render("No services exposed."))
					return nil
				}

				t := newTable("SERVICE", "AGENT", "PORT", "TARGET", "ACTIVE", "ACCEPTED", "SINCE")
				for _, s := range resp.Services {
					t.Row(s.ServiceID, s.AgentID, strconv.Itoa(s.Port),
						net.JoinHostPort(s.TargetHost, strconv.Itoa(s.TargetPort)),
						humanize.Comma(s.Connections), humanize.Comma(s.Accepted), humanize.Time(s.StartedAt))
				}
				fmt.Println(t)
				return nil
			})
		},
	}
	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&unexpose, "unexpose", "", "Stop the listener of this service")
	return cmd
}

func exposeCmd() *cobra.Command {
	var socketPath, name string
	var port int

	cmd := &cobra.Command{
		Use:   "expose AGENT_ID SERVICE_ID HOST:PORT",
		Short: "Expose a service on behalf of a connected agent",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portStr, err := net.SplitHostPort(args[2])
			if err != nil {
				return fmt.Errorf("invalid target %q: %w", args[2], err)
			}
			targetPort, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("invalid target port %q", portStr)
			}

			return withControl(cmd, socketPath, func(ctx context.Context, c *control.Client) error {
				resp, err := c.Expose(ctx, control.ExposeRequest{
					AgentID:     args[0],
					ServiceID:   args[1],
					ServiceName: name,
					TunnelPort:  port,
					TargetHost:  host,
					TargetPort:  targetPort,
				})
				if err != nil {
					return err
				}
				fmt.Println(okStyle.Render(fmt.Sprintf("✓ Exposed %s on port %d", resp.ServiceID, resp.Port)))
				return nil
			})
		},
	}
	addSocketFlag(cmd, &socketPath)
	cmd.Flags().StringVar(&name, "name", "", "Service display name")
	cmd.Flags().IntVar(&port, "port", 0, "Preferred tunnel port")
	return cmd
}

func relaysCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "relays [CONNECTION_ID]",
		Short: "List relays and bridges",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withControl(cmd, socketPath, func(ctx context.Context, c *control.Client) error {
				var relays []tunnel.RelayInfo
				if len(args) == 1 {
					r, err := c.Relay(ctx, args[0])
					if err != nil {
						return err
					}
					relays = append(relays, *r)
				} else {
					resp, err := c.Relays(ctx)
					if err != nil {
						return err
					}
					relays = resp.Relays
				}
				if len(relays) == 0 {
					fmt.Println(dimStyle.Render("No active relays."))
					return nil
				}

				t := newTable("CONNECTION", "KIND", "STATE", "SERVICE", "AGENT", "PEER", "TO AGENT", "FROM AGENT", "AGE")
				for _, r := range relays {
					t.Row(r.ConnectionID, r.Kind, r.State, r.ServiceID, r.AgentID, r.Peer,
						humanize.Bytes(uint64(r.BytesToAgent)), humanize.Bytes(uint64(r.BytesFromAgent)),
						humanize.Time(r.CreatedAt))
				}
				fmt.Println(t)
				return nil
			})
		},
	}
	addSocketFlag(cmd, &socketPath)
	return cmd
}
