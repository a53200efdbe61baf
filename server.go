package inncognito

import (
	"net/http"
	"strings"

	"darlinggo.co/trout/v2"
	yall "yall.in"
)

func logEndpoint(log *yall.Logger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := log.
			WithField("endpoint", r.Header.Get("Trout-Pattern")).
			WithField("method", r.Method)
		for k, v := range trout.RequestVars(r) {
			reqLog = reqLog.WithField("url."+strings.ToLower(k), v)
		}
		r = r.WithContext(yall.InContext(r.Context(), reqLog))
		reqLog.Debug("serving request")
		h.ServeHTTP(w, r)
		reqLog.Debug("served request")
	})
}

// Server returns the flow endpoints as an http.Handler. Mount it at the
// Service's Prefix; the flow cookie is scoped to that path and won't be
// sent anywhere else.
func (s Service) Server() http.Handler {
	var router trout.Router
	router.SetPrefix(s.Prefix)

	router.Endpoint("/").Methods("GET").
		Handler(logEndpoint(s.Log, http.HandlerFunc(
			s.handleLogin)))
	router.Endpoint("/token").Methods("GET").
		Handler(logEndpoint(s.Log, http.HandlerFunc(
			s.handleToken)))

	return router
}

// APIServer returns the authenticated REST endpoints as an http.Handler
// mounted under the given prefix.
func (s Service) APIServer(prefix string) http.Handler {
	var router trout.Router
	router.SetPrefix(prefix)

	router.Endpoint("/me").Methods("GET").
		Handler(logEndpoint(s.Log, http.HandlerFunc(
			s.handleMe)))
	router.Endpoint("/mfa/secret").Methods("GET").
		Handler(logEndpoint(s.Log, http.HandlerFunc(
			s.handleMFASecret)))
	router.Endpoint("/mfa").Methods("POST").
		Handler(logEndpoint(s.Log, http.HandlerFunc(
			s.handleMFAConfirm)))

	return router
}
