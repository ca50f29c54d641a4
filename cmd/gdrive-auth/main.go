// Command gdrive-auth mints the refresh token used by STORAGE_PROVIDER=gdrive.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"tsxstudio/internal/pkg/logger"
	"tsxstudio/internal/storage"
	"tsxstudio/internal/util"
)

func main() {
	_ = godotenv.Load()
	log := logger.New(logger.Config{Level: "info", Format: "text", ServiceName: "gdrive-auth", Output: os.Stderr})
	ctx := context.Background()

	clientID := util.Env("GDRIVE_CLIENT_ID", "")
	clientSecret := util.Env("GDRIVE_CLIENT_SECRET", "")
	if clientID == "" || clientSecret == "" {
		log.Error("GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
		os.Exit(1)
	}

	// Local callback on a free port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.LogFatal("listen failed", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	conf := storage.DriveOAuthConfig(clientID, clientSecret)
	conf.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- fmt.Errorf("invalid state")
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			errCh <- fmt.Errorf("auth error: %s", e)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- fmt.Errorf("missing code")
			return
		}
		fmt.Fprintln(w, "Done. You can close this window and return to the terminal.")
		codeCh <- code
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()

	// Offline access plus forced consent so a refresh token is returned.
	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Println("Open this URL in your browser:")
	fmt.Println()
	fmt.Println(authURL)
	fmt.Println()
	log.Info("waiting for authorization", "redirect_url", conf.RedirectURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		_ = srv.Close()
		log.LogFatal("authorization failed", err)
	case <-time.After(3 * time.Minute):
		_ = srv.Close()
		log.Error("timed out waiting for authorization")
		os.Exit(1)
	}
	_ = srv.Close()

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		log.LogFatal("token exchange failed", err)
	}

	if strings.TrimSpace(tok.RefreshToken) == "" {
		log.Warn("no refresh_token returned; revoke the app's access at https://myaccount.google.com/permissions and run again")
		os.Exit(1)
	}

	fmt.Println("GDRIVE_REFRESH_TOKEN=" + tok.RefreshToken)
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
