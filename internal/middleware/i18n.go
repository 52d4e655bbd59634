package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Locale detection feeds the progress label catalogs: every message the
// coordinator emits is rendered in the request's locale. Detection order is
// explicit header, Accept-Language, then the request's origin country.

type localeContextKey struct{}

// CountryLookup resolves an ISO country code for an IP address. The GeoIP
// resolver satisfies it when a database is configured; nil disables the
// geo fallback.
type CountryLookup func(ip string) (string, error)

func I18N(defaultLocale string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			locale := detectLocale(r, defaultLocale, resolveCountry(r, lookup))
			next.ServeHTTP(w, r.WithContext(WithLocale(r.Context(), locale)))
		})
	}
}

// WithLocale stores a detected locale on the context.
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeContextKey{}, locale)
}

// LocaleFromContext returns the request locale, defaulting to "en".
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(localeContextKey{}).(string); ok {
		return v
	}
	return "en"
}

func detectLocale(r *http.Request, fallback, country string) string {
	if v := r.Header.Get("X-Locale"); v != "" {
		return normalizeLocale(v)
	}
	if v := firstAcceptLanguage(r.Header.Get("Accept-Language")); v != "" {
		return normalizeLocale(v)
	}
	if strings.EqualFold(country, "ID") {
		return "id"
	}
	if country != "" {
		return "en"
	}
	if fallback != "" {
		return fallback
	}
	return "en"
}

// resolveCountry is best effort: proxy headers first, then a region hint in
// the language headers, then the GeoIP database.
func resolveCountry(r *http.Request, lookup CountryLookup) string {
	for _, key := range []string{"X-Country-Code", "CF-IPCountry"} {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
			return strings.ToUpper(v)
		}
	}
	for _, header := range []string{r.Header.Get("X-Locale"), r.Header.Get("Accept-Language")} {
		if region := localeRegion(header); region != "" {
			return region
		}
	}
	if indonesianHint(r.Header.Get("X-Locale")) || indonesianHint(firstAcceptLanguage(r.Header.Get("Accept-Language"))) {
		return "ID"
	}
	if lookup != nil {
		if ip := clientIP(r); ip != "" {
			if country, err := lookup(ip); err == nil && country != "" {
				return strings.ToUpper(country)
			}
		}
	}
	return ""
}

// firstAcceptLanguage returns the highest-ranked language token, unparsed.
func firstAcceptLanguage(header string) string {
	for _, part := range strings.Split(header, ",") {
		if token := strings.TrimSpace(strings.Split(part, ";")[0]); token != "" {
			return token
		}
	}
	return ""
}

func normalizeLocale(locale string) string {
	if indonesianHint(locale) {
		return "id"
	}
	return "en"
}

func indonesianHint(locale string) bool {
	return strings.HasPrefix(strings.ToLower(locale), "id")
}

// localeRegion extracts the region subtag from a locale token like "en-AU".
func localeRegion(header string) string {
	for _, part := range strings.Split(header, ",") {
		token := strings.TrimSpace(strings.Split(part, ";")[0])
		if token == "" {
			continue
		}
		if idx := strings.IndexAny(token, "-_"); idx > 0 && idx < len(token)-1 {
			return strings.ToUpper(token[idx+1:])
		}
	}
	return ""
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		if parts := strings.Split(xf, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
