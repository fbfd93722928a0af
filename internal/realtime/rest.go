package realtime

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	authCookie       = "agent_auth"
	authCookieMaxAge = 30 * 24 * 60 * 60
)

// publicAssetExts are served without a session so the login page can load
// its stylesheet and scripts.
var publicAssetExts = []string{".css", ".js", ".svg"}

const fallbackLoginPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<form id="login">
  <input type="password" name="password" placeholder="Password" autofocus>
  <button type="submit">Sign in</button>
  <p id="error"></p>
</form>
<script>
document.getElementById('login').addEventListener('submit', async (e) => {
  e.preventDefault();
  const password = e.target.password.value;
  const res = await fetch('/api/login', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({password}),
  });
  if (res.ok) { location.href = '/'; return; }
  const body = await res.json().catch(() => ({}));
  document.getElementById('error').textContent = body.error || 'Login failed';
});
</script>
</body>
</html>
`

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) passwordMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.opts.Password)) == 1
}

// authorized reports whether r carries a valid session cookie. Everything is
// authorized when no password is configured.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Password == "" {
		return true
	}
	c, err := r.Cookie(authCookie)
	if err != nil {
		return false
	}
	return s.passwordMatches(c.Value)
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.Password == "" {
		writeJSON(w, http.StatusOK, loginResponse{Success: true, Message: "No authentication required"})
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, loginResponse{Error: "invalid request body"})
		return
	}
	if !s.passwordMatches(req.Password) {
		s.logger.Warn("failed login attempt", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, loginResponse{Error: "Invalid password"})
		return
	}

	secure := isSecure(r)
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     authCookie,
		Value:    req.Password,
		Path:     "/",
		MaxAge:   authCookieMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
	writeJSON(w, http.StatusOK, loginResponse{Success: true})
}

// requireAuth lets authorized requests through. Unauthenticated visitors to
// the root get the login page and static assets stay public.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}

		switch path := r.URL.Path; {
		case path == "/" || path == "/index.html":
			s.serveLogin(w, r)
			return
		case s.opts.StaticDir != "" && hasPublicExt(path):
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	})
}

func hasPublicExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range publicAssetExts {
		if ext == e {
			return true
		}
	}
	return false
}

func (s *Server) serveLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.StaticDir != "" {
		page := filepath.Join(s.opts.StaticDir, "login.html")
		if _, err := os.Stat(page); err == nil {
			http.ServeFile(w, r, page)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(fallbackLoginPage))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.messages.All())
}

func (s *Server) handleModelOptions(w http.ResponseWriter, r *http.Request) {
	opts := s.opts.ModelOptions
	if opts == nil {
		opts = []string{}
	}
	writeJSON(w, http.StatusOK, opts)
}
