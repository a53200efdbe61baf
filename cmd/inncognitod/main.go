// Command inncognitod serves the provider bridge as a standalone
// process, with a PostgreSQL storer and a minimal cookie-based host
// session. Production hosts usually embed the inncognito package in
// their own process instead; this binary exists for development and for
// hosts that front it with a reverse proxy.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
	yall "yall.in"
	"yall.in/colour"

	"github.com/wp-digital/inncognito"
	"github.com/wp-digital/inncognito/cognitoidp"
	"github.com/wp-digital/inncognito/qr"
	"github.com/wp-digital/inncognito/storers/postgres"
)

type config struct {
	Listen      string `env:"LISTEN" envDefault:":8080"`
	BaseURL     string `env:"BASE_URL,required"`
	Prefix      string `env:"PREFIX" envDefault:"/cognito"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	Secret      string `env:"SECRET,required"`

	Region       string `env:"COGNITO_REGION,required"`
	UserPoolID   string `env:"COGNITO_USER_POOL_ID,required"`
	Domain       string `env:"COGNITO_DOMAIN,required"`
	ClientID     string `env:"COGNITO_CLIENT_ID,required"`
	ClientSecret string `env:"COGNITO_CLIENT_SECRET,required"`

	AllowRegistration bool `env:"ALLOW_REGISTRATION" envDefault:"true"`
	ForceProvider     bool `env:"FORCE_PROVIDER"`
	Secure            bool `env:"SECURE_COOKIES" envDefault:"true"`
}

// issuer derives the pool's issuer URL from its region and id.
func (c config) issuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// domain accepts either a full URL or a bare Cognito domain prefix.
func (c config) domain() string {
	if strings.Contains(c.Domain, "://") {
		return c.Domain
	}
	return fmt.Sprintf("https://%s.auth.%s.amazoncognito.com", c.Domain, c.Region)
}

func main() {
	log := yall.New(colour.New(os.Stdout, yall.Debug))

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.WithError(err).Error("error parsing configuration")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Error("error opening database")
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storer := postgres.NewStorer(db)
	if err := storer.Migrate(ctx); err != nil {
		log.WithError(err).Error("error migrating database")
		os.Exit(1)
	}

	service := inncognito.Service{
		Issuer:   cfg.issuer(),
		ClientID: cfg.ClientID,
		API: inncognito.API{
			Domain:       cfg.domain(),
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		},
		BaseURL:           cfg.BaseURL,
		Prefix:            cfg.Prefix,
		Secret:            []byte(cfg.Secret),
		Secure:            cfg.Secure,
		AllowRegistration: cfg.AllowRegistration,
		ForceProvider:     cfg.ForceProvider,
		Storer:            storer,
		Auth:              cookieAuth{secret: []byte(cfg.Secret), secure: cfg.Secure},
		Provider:          cognitoidp.New(cfg.Region),
		QR:                qr.Encoder{},
		Log:               log,
	}

	if err := service.Activate(ctx); err != nil {
		log.WithError(err).Error("error fetching signing keys")
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := service.SweepExpiredTokens(ctx); err != nil {
					log.WithError(err).Error("error sweeping expired tokens")
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(cfg.Prefix+"/", service.Server())
	mux.Handle("/api/", service.APIServer("/api"))

	server := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.WithField("addr", cfg.Listen).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("error serving")
			cancel()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("error shutting down")
	}
}

// cookieAuth is a minimal host session: the identity id in an HMAC-signed
// cookie. Real hosts bring their own Authenticator.
type cookieAuth struct {
	secret []byte
	secure bool
}

const authCookie = "inncognitod_session"

func (c cookieAuth) sign(value string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c cookieAuth) Authn(r *http.Request) (inncognito.Authn, bool) {
	cookie, err := r.Cookie(authCookie)
	if err != nil || cookie.Value == "" {
		return inncognito.Authn{}, false
	}
	sep := strings.LastIndex(cookie.Value, "|")
	if sep <= 0 {
		return inncognito.Authn{}, false
	}
	id, sig := cookie.Value[:sep], cookie.Value[sep+1:]
	if !hmac.Equal([]byte(c.sign(id)), []byte(sig)) {
		return inncognito.Authn{}, false
	}
	decoded, err := url.QueryUnescape(id)
	if err != nil {
		return inncognito.Authn{}, false
	}
	return inncognito.Authn{IdentityID: decoded, SessionToken: sig}, true
}

func (c cookieAuth) SignIn(w http.ResponseWriter, _ *http.Request, identity inncognito.Identity) error {
	value := url.QueryEscape(identity.ID)
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    value + "|" + c.sign(value),
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
