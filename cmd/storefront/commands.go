package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jrsteele09/go-storefront-session/account"
	"github.com/jrsteele09/go-storefront-session/apimodel"
	"github.com/jrsteele09/go-storefront-session/client"
	"github.com/jrsteele09/go-storefront-session/credentials"
	"github.com/jrsteele09/go-storefront-session/gateway"
	"github.com/jrsteele09/go-storefront-session/internal/config"
	"github.com/jrsteele09/go-storefront-session/internal/logging"
	"github.com/jrsteele09/go-storefront-session/internal/utils"
	"github.com/jrsteele09/go-storefront-session/realtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// flagConfig lets command line flags take precedence over env vars.
type flagConfig struct {
	config.Config
	apiURL         string
	realtimeURL    string
	credentialFile string
	logLevel       string
}

func (c *flagConfig) GetAPIURL() string {
	if c.apiURL != "" {
		return c.apiURL
	}
	return c.Config.GetAPIURL()
}

func (c *flagConfig) GetRealtimeURL() string {
	if c.realtimeURL != "" {
		return c.realtimeURL
	}
	return c.Config.GetRealtimeURL()
}

func (c *flagConfig) GetCredentialFile() string {
	if c.credentialFile != "" {
		return c.credentialFile
	}
	return c.Config.GetCredentialFile()
}

func (c *flagConfig) GetLogLevel() string {
	if c.logLevel != "" {
		return c.logLevel
	}
	return c.Config.GetLogLevel()
}

type app struct {
	config *flagConfig
	client *client.Client
}

func newRootCmd() *cobra.Command {
	a := &app{config: &flagConfig{Config: config.New()}}

	root := &cobra.Command{
		Use:           "storefront",
		Short:         "Storefront session client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(a.config.GetLogLevel(), a.config.GetEnv())
			c, err := client.New(a.config)
			if err != nil {
				return err
			}
			a.client = c
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.config.apiURL, "api-url", "", "backend API base URL (env API_URL)")
	flags.StringVar(&a.config.realtimeURL, "realtime-url", "", "realtime websocket URL (env REALTIME_URL)")
	flags.StringVar(&a.config.credentialFile, "credential-file", "", "credential record path (env CREDENTIAL_FILE)")
	flags.StringVar(&a.config.logLevel, "log-level", "", "log level (env LOG_LEVEL)")

	root.AddCommand(
		a.loginCmd(),
		a.registerCmd(),
		a.logoutCmd(),
		a.whoamiCmd(),
		a.callCmd(),
		a.profileCmd(),
		a.listenCmd(),
	)
	return root
}

func (a *app) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("STOREFRONT_PASSWORD")
			}
			cred, err := a.client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", cred.User.Email, cred.User.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (env STOREFRONT_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var request apimodel.RegisterRequest
	var role string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			request.Role = credentials.RoleType(role)
			cred, err := a.client.Register(cmd.Context(), request)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered and signed in as %s\n", cred.User.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&request.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&request.Email, "email", "", "account email")
	cmd.Flags().StringVar(&request.Password, "password", "", "account password")
	cmd.Flags().StringVar(&role, "role", string(credentials.RoleBuyer), "buyer or seller")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cred := a.client.CurrentCredential()
			if cred == nil {
				fmt.Fprintln(out, "signed out")
				return nil
			}
			fmt.Fprintf(out, "user:  %s %s (%s)\n", cred.User.ID, cred.User.Email, cred.User.Role)
			if cred.User.FullName != "" {
				fmt.Fprintf(out, "name:  %s\n", cred.User.FullName)
			}
			if expiry := cred.Token().Expiry; !expiry.IsZero() {
				fmt.Fprintf(out, "token: expires %s\n", expiry.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func (a *app) callCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "call METHOD ENDPOINT",
		Short: "Send an authenticated request and print the response body",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := gateway.Options{Method: strings.ToUpper(args[0])}
			if data != "" {
				if !json.Valid([]byte(data)) {
					return fmt.Errorf("--data is not valid JSON")
				}
				opts.RawBody = []byte(data)
			}
			res, err := a.client.Call(cmd.Context(), args[1], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", res.StatusCode, res.Body)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON request body")
	return cmd
}

func (a *app) profileCmd() *cobra.Command {
	var fullName, phone, avatar string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show or update the signed-in user's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch account.ProfilePatch
			if cmd.Flags().Changed("name") {
				patch.FullName = utils.Ptr(fullName)
			}
			if cmd.Flags().Changed("phone") {
				patch.PhoneNumber = utils.Ptr(phone)
			}
			if cmd.Flags().Changed("avatar") {
				patch.AvatarURL = utils.Ptr(avatar)
			}

			var (
				user credentials.User
				err  error
			)
			if patch == (account.ProfilePatch{}) {
				user, err = a.client.Account().Profile(cmd.Context())
			} else {
				user, err = a.client.Account().UpdateProfile(cmd.Context(), patch)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(user)
		},
	}
	cmd.Flags().StringVar(&fullName, "name", "", "new full name")
	cmd.Flags().StringVar(&phone, "phone", "", "new phone number")
	cmd.Flags().StringVar(&avatar, "avatar", "", "new avatar URL")
	return cmd
}

func (a *app) listenCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Keep the realtime channel open and print pushed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			displayAppname(a.config.GetAppName())

			binder := a.client.Realtime()
			for _, name := range []string{
				realtime.EventNewOrder,
				realtime.EventOrderStatusUpdated,
				realtime.EventNewNotification,
				realtime.EventProductRemovedByAdmin,
			} {
				binder.On(name, func(_ context.Context, ev realtime.Event) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ev.Name, ev.Data)
				})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				server := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(a.client.Metrics(), promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Info().Str("addr", metricsAddr).Msg("serving metrics")
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Err(err).Msg("metrics server stopped")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
			}

			if err := a.client.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}
