package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tsxstudio/internal/desktop"
)

var loginFlags struct {
	link    string
	scheme  string
	timeout time.Duration
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API token delivered by the browser deep link",
	Long: `Store the API token delivered by the browser deep link.

Pass the link with --link (as the OS protocol handler does), or paste it on
stdin. Only the first valid link is used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pending := desktop.NewMailbox[string]()

		if loginFlags.link != "" {
			tok, err := desktop.ParseDeepLink(loginFlags.link, loginFlags.scheme)
			if err != nil {
				return err
			}
			pending.Put(tok)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Sign in at %s and paste the %s:// link here:\n", cfg.Desktop.APIBaseURL, loginFlags.scheme)
			go readLinks(cmd.InOrStdin(), pending)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), loginFlags.timeout)
		defer cancel()
		tok, err := pending.Wait(ctx)
		if err != nil {
			return fmt.Errorf("no login link received: %w", err)
		}

		if err := os.WriteFile(tokenPath(), []byte(tok+"\n"), 0o600); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Logged in.")
		return nil
	},
}

func readLinks(in io.Reader, pending *desktop.Mailbox[string]) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tok, err := desktop.ParseDeepLink(line, loginFlags.scheme)
		if err != nil {
			log.Warn("ignoring link", "error", err.Error())
			continue
		}
		pending.Put(tok)
		return
	}
}

func init() {
	f := loginCmd.Flags()
	f.StringVar(&loginFlags.link, "link", "", "deep link received from the browser")
	f.StringVar(&loginFlags.scheme, "scheme", desktop.DefaultScheme, "deep link scheme")
	f.DurationVar(&loginFlags.timeout, "timeout", 5*time.Minute, "how long to wait for the link")
}
