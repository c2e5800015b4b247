package tracker

import (
	"net/url"
	"strings"
	"time"

	"eventflow/internal/models"
)

// Referral source types.
const (
	SourceDirect   = "direct"
	SourceUnknown  = "unknown"
	SourceInternal = "internal"
	SourceEmail    = "email"
	SourceSocial   = "social"
	SourceSearch   = "search"
	SourceExternal = "external"
)

// NavigationBackForward is the navigation type of history traversal.
const NavigationBackForward = "back_forward"

var socialDomains = []string{
	"facebook.com",
	"twitter.com",
	"x.com",
	"instagram.com",
	"linkedin.com",
	"pinterest.com",
	"reddit.com",
	"youtube.com",
	"tiktok.com",
	"snapchat.com",
	"t.co",
	"fb.me",
}

// Matched as substrings, so "google." covers every country domain.
var searchDomains = []string{
	"google.",
	"bing.com",
	"yahoo.com",
	"duckduckgo.com",
	"naver.com",
	"daum.net",
	"baidu.com",
	"yandex.com",
}

var utmFields = []struct{ param, key string }{
	{"utm_source", "source"},
	{"utm_medium", "medium"},
	{"utm_campaign", "campaign"},
	{"utm_term", "term"},
	{"utm_content", "content"},
}

// ReferralInfo describes how the client arrived at the current page.
type ReferralInfo struct {
	CurrentURL     string
	Referrer       string
	HistoryLength  int
	NavigationType string
}

// Referral builds a referral event. Optional payload keys (referrerDomain,
// utm, queryParams, navigation.navigationType) are omitted when absent.
func Referral(now time.Time, info ReferralInfo) models.Event {
	referrerDomain, hasDomain := hostname(info.Referrer)
	currentDomain, _ := hostname(info.CurrentURL)
	query := queryParams(info.CurrentURL)

	payload := models.Payload{
		"currentUrl": info.CurrentURL,
		"referrer":   info.Referrer,
		"sourceType": SourceType(info.Referrer, currentDomain),
	}
	if hasDomain {
		payload["referrerDomain"] = referrerDomain
	}
	if utm := utmParams(query); len(utm) > 0 {
		payload["utm"] = utm
	}
	if len(query) > 0 {
		payload["queryParams"] = query
	}

	nav := map[string]any{
		"historyLength":    info.HistoryLength,
		"isBackNavigation": info.NavigationType == NavigationBackForward,
	}
	if info.NavigationType != "" {
		nav["navigationType"] = info.NavigationType
	}
	payload["navigation"] = nav

	return models.NewEvent(models.TypeReferral, now.UnixMilli(), payload)
}

// SourceType classifies a referrer relative to the current host.
func SourceType(referrer, currentDomain string) string {
	if referrer == "" {
		return SourceDirect
	}
	domain, ok := hostname(referrer)
	if !ok {
		return SourceUnknown
	}
	if domain == strings.ToLower(currentDomain) {
		return SourceInternal
	}
	if strings.Contains(referrer, "mail.") || strings.Contains(domain, "mail") {
		return SourceEmail
	}
	if containsAny(domain, socialDomains) {
		return SourceSocial
	}
	if containsAny(domain, searchDomains) {
		return SourceSearch
	}
	return SourceExternal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// hostname extracts the lower-cased host of an absolute URL.
func hostname(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return "", false
	}
	return strings.ToLower(u.Hostname()), true
}

// queryParams flattens the query of raw; the last value of a repeated key
// wins.
func queryParams(raw string) map[string]string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil
	}
	params := make(map[string]string)
	for key, values := range u.Query() {
		if len(values) > 0 {
			params[key] = values[len(values)-1]
		}
	}
	return params
}

func utmParams(query map[string]string) map[string]string {
	utm := make(map[string]string)
	for _, f := range utmFields {
		if v := query[f.param]; v != "" {
			utm[f.key] = v
		}
	}
	return utm
}
