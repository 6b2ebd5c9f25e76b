// Package channel maps referrer and UTM data to a marketing-attribution
// label ("Organic Search", "Paid Social", "Direct", ...). Classification is
// a total, deterministic function of its inputs so attribution reports are
// reproducible.
package channel

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// directSentinel marks an empty or unparseable referrer.
const directSentinel = "$direct"

// CrossNetworkCampaign is the reserved utm_campaign marker for Google
// cross-network placements.
const CrossNetworkCampaign = "cross-network"

var (
	paidMediumRe = regexp.MustCompile(`^(.*cp.*|ppc|retargeting|paid.*)$`)
	bundleIDRe   = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_-]+){2,}$`)
)

// Source categories used by both the referrer-domain and utm_source lookups.
const (
	catSearch       = "search"
	catSocial       = "social"
	catVideo        = "video"
	catShopping     = "shopping"
	catEmail        = "email"
	catSMS          = "sms"
	catNews         = "news"
	catProductivity = "productivity"
)

// sourceCategories keys are the registrable-domain label (i.e. "google" for
// any google.* referrer) or the bare utm_source token, lowercased.
var sourceCategories = map[string]string{
	// search engines
	"google": catSearch, "bing": catSearch, "duckduckgo": catSearch,
	"yahoo": catSearch, "baidu": catSearch, "yandex": catSearch,
	"ecosia": catSearch, "qwant": catSearch, "startpage": catSearch,
	"brave": catSearch, "naver": catSearch, "seznam": catSearch,
	"sogou": catSearch, "ask": catSearch,

	// social networks
	"facebook": catSocial, "instagram": catSocial, "twitter": catSocial,
	"x": catSocial, "linkedin": catSocial, "reddit": catSocial,
	"tiktok": catSocial, "pinterest": catSocial, "snapchat": catSocial,
	"threads": catSocial, "mastodon": catSocial, "bsky": catSocial,
	"quora": catSocial, "tumblr": catSocial, "wechat": catSocial,
	"weibo": catSocial, "discord": catSocial, "telegram": catSocial,
	"whatsapp": catSocial,

	// video platforms
	"youtube": catVideo, "vimeo": catVideo, "twitch": catVideo,
	"dailymotion": catVideo, "netflix": catVideo,

	// shopping
	"amazon": catShopping, "ebay": catShopping, "etsy": catShopping,
	"walmart": catShopping, "aliexpress": catShopping, "alibaba": catShopping,
	"shopify": catShopping, "temu": catShopping, "shein": catShopping,

	// email providers
	"gmail": catEmail, "outlook": catEmail, "mail": catEmail,
	"protonmail": catEmail, "proton": catEmail, "zoho": catEmail,
	"fastmail": catEmail, "mailchimp": catEmail, "sendgrid": catEmail,
	"substack": catEmail,

	// sms
	"sms": catSMS, "mms": catSMS,

	// news aggregators and outlets
	"news": catNews, "flipboard": catNews, "feedly": catNews,
	"smartnews": catNews, "bbc": catNews, "cnn": catNews,
	"nytimes": catNews, "theguardian": catNews, "reuters": catNews,

	// productivity tools
	"notion": catProductivity, "slack": catProductivity,
	"teams": catProductivity, "zoom": catProductivity,
	"figma": catProductivity, "linear": catProductivity,
	"atlassian": catProductivity, "monday": catProductivity,
}

// appBundleCategories maps reverse-DNS mobile-app bundle identifiers seen in
// utm_source to a source category.
var appBundleCategories = map[string]string{
	"com.facebook.katana":                       catSocial,
	"com.facebook.orca":                         catSocial,
	"com.instagram.android":                     catSocial,
	"com.twitter.android":                       catSocial,
	"com.linkedin.android":                      catSocial,
	"com.reddit.frontpage":                      catSocial,
	"com.zhiliaoapp.musically":                  catSocial,
	"com.snapchat.android":                      catSocial,
	"com.pinterest":                             catSocial,
	"org.telegram.messenger":                    catSocial,
	"com.whatsapp":                              catSocial,
	"com.discord":                               catSocial,
	"com.google.android.youtube":                catVideo,
	"tv.twitch.android.app":                     catVideo,
	"com.vimeo.android.videoapp":                catVideo,
	"com.netflix.mediaclient":                   catVideo,
	"com.google.android.googlequicksearchbox":   catSearch,
	"com.microsoft.bing":                        catSearch,
	"com.duckduckgo.mobile.android":             catSearch,
	"com.google.android.gm":                     catEmail,
	"com.microsoft.office.outlook":              catEmail,
	"com.yahoo.mobile.client.android.mail":      catEmail,
	"com.amazon.mshop.android.shopping":         catShopping,
	"com.ebay.mobile":                           catShopping,
	"com.alibaba.aliexpresshd":                  catShopping,
	"com.contextlogic.wish":                     catShopping,
	"com.google.android.apps.magazines":         catNews,
	"flipboard.app":                             catNews,
	"com.particlenews.newsbreak":                catNews,
	"bbc.mobile.news.ww":                        catNews,
	"com.slack":                                 catProductivity,
	"com.notion.id":                             catProductivity,
	"com.microsoft.teams":                       catProductivity,
	"us.zoom.videomeetings":                     catProductivity,
	"com.google.android.apps.docs":              catProductivity,
	"com.microsoft.office.officehubrow":         catProductivity,
}

// Labels for categories that carry a paid/organic variant.
var paidCategoryLabels = map[string]string{
	catSearch:   "Paid Search",
	catSocial:   "Paid Social",
	catVideo:    "Paid Video",
	catShopping: "Paid Shopping",
}

var organicCategoryLabels = map[string]string{
	catSearch:       "Organic Search",
	catSocial:       "Organic Social",
	catVideo:        "Organic Video",
	catShopping:     "Organic Shopping",
	catEmail:        "Email",
	catSMS:          "SMS",
	catNews:         "News",
	catProductivity: "Productivity",
}

var paidMediumLabels = map[string]string{
	"display":      "Display",
	"banner":       "Display",
	"expandable":   "Display",
	"interstitial": "Display",
	"cpm":          "Display",
	"influencer":   "Paid Influencer",
	"audio":        "Paid Audio",
}

var organicMediumLabels = map[string]string{
	"social":         "Organic Social",
	"social-network": "Organic Social",
	"social-media":   "Organic Social",
	"sm":             "Organic Social",
	"video":          "Organic Video",
	"affiliate":      "Affiliate",
	"referral":       "Referral",
	"app":            "Referral",
	"link":           "Referral",
	"display":        "Display",
	"banner":         "Display",
	"audio":          "Audio",
	"push":           "Push",
	"mobile":         "Push",
	"notification":   "Push",
	"influencer":     "Influencer",
	"content":        "Content",
	"blog":           "Content",
	"event":          "Event",
	"email":          "Email",
	"e-mail":         "Email",
	"e_mail":         "Email",
	"newsletter":     "Email",
	"sms":            "SMS",
}

// Classify derives a marketing channel from the referrer URL, the landing
// page query string, and the site's own hostname.
func Classify(referrer, queryString, hostname string) string {
	params, _ := url.ParseQuery(strings.TrimPrefix(queryString, "?"))
	utmSource := strings.ToLower(params.Get("utm_source"))
	utmMedium := strings.ToLower(params.Get("utm_medium"))
	utmCampaign := strings.ToLower(params.Get("utm_campaign"))
	gclid := params.Get("gclid")
	gadSource := params.Get("gad_source")

	refDomain := referrerDomain(referrer)
	hasUTM := utmSource != "" || utmMedium != "" || utmCampaign != "" || gclid != "" || gadSource != ""

	// Self-referrals with no campaign signal are internal navigation.
	if isSelfReferral(refDomain, hostname) {
		if !hasUTM {
			return "Internal"
		}
		refDomain = directSentinel
	}

	// Mobile-app bundle identifiers in utm_source carry a known category.
	if bundleIDRe.MatchString(utmSource) {
		if cat, ok := appBundleCategories[utmSource]; ok {
			return categoryLabel(cat, isPaid(utmMedium, gclid, gadSource))
		}
	}

	if refDomain == directSentinel && !hasUTM {
		return "Direct"
	}

	if utmCampaign == CrossNetworkCampaign {
		return "Cross-Network"
	}

	cat := sourceCategory(utmSource)
	if cat == "" && refDomain != directSentinel {
		cat = sourceCategory(refDomain)
	}

	if isPaid(utmMedium, gclid, gadSource) {
		if label, ok := paidCategoryLabels[cat]; ok {
			return label
		}
		if label, ok := paidMediumLabels[utmMedium]; ok {
			return label
		}
		return "Paid Unknown"
	}

	if label, ok := organicCategoryLabels[cat]; ok {
		return label
	}
	if label, ok := organicMediumLabels[utmMedium]; ok {
		return label
	}

	if label := campaignKeywordLabel(utmCampaign); label != "" {
		return label
	}

	if refDomain != directSentinel {
		return "Referral"
	}
	return "Unknown"
}

func isPaid(medium, gclid, gadSource string) bool {
	return gclid != "" || gadSource != "" || (medium != "" && paidMediumRe.MatchString(medium))
}

func categoryLabel(cat string, paid bool) string {
	if paid {
		if label, ok := paidCategoryLabels[cat]; ok {
			return label
		}
	}
	return organicCategoryLabels[cat]
}

func campaignKeywordLabel(campaign string) string {
	switch {
	case campaign == "":
		return ""
	case strings.Contains(campaign, "video"):
		return "Organic Video"
	case strings.Contains(campaign, "shop"):
		return "Organic Shopping"
	case strings.Contains(campaign, "influencer"):
		return "Influencer"
	case strings.Contains(campaign, "event"):
		return "Event"
	case strings.Contains(campaign, "social"):
		return "Organic Social"
	}
	return ""
}

// referrerDomain extracts the host of the referrer URL, lowercased with any
// leading "www." removed, or directSentinel when absent or unparseable.
func referrerDomain(referrer string) string {
	if referrer == "" {
		return directSentinel
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		// Bare hosts like "google.com" arrive without a scheme.
		if err == nil && !strings.Contains(referrer, "/") && strings.Contains(referrer, ".") {
			return strings.TrimPrefix(strings.ToLower(referrer), "www.")
		}
		return directSentinel
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func isSelfReferral(refDomain, hostname string) bool {
	if refDomain == directSentinel || hostname == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(hostname), "www.")
	return refDomain == host || strings.HasSuffix(refDomain, "."+host) || strings.HasSuffix(host, "."+refDomain)
}

// sourceCategory resolves a utm_source token or referrer domain to a source
// category. Domains are reduced to their registrable label so that
// "news.google.co.uk" and "google.com" both resolve as "google".
func sourceCategory(source string) string {
	if source == "" || source == directSentinel {
		return ""
	}
	source = strings.ToLower(source)
	if cat, ok := sourceCategories[source]; ok {
		return cat
	}
	if !strings.Contains(source, ".") {
		return ""
	}
	etld, err := publicsuffix.EffectiveTLDPlusOne(source)
	if err != nil {
		return ""
	}
	label, _, _ := strings.Cut(etld, ".")
	return sourceCategories[label]
}
