package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		referrer    string
		queryString string
		hostname    string
		want        string
	}{
		{
			name:     "self referral without campaign signal is internal",
			referrer: "https://sub.example.com",
			hostname: "example.com",
			want:     "Internal",
		},
		{
			name:     "www self referral is internal",
			referrer: "https://www.example.com/pricing",
			hostname: "example.com",
			want:     "Internal",
		},
		{
			name:     "no referrer and no campaign is direct",
			hostname: "example.com",
			want:     "Direct",
		},
		{
			name:        "cross-network campaign marker",
			queryString: "utm_source=google&utm_campaign=cross-network",
			hostname:    "example.com",
			want:        "Cross-Network",
		},
		{
			name:     "search engine referrer is organic search",
			referrer: "https://google.com/search?q=x",
			hostname: "example.com",
			want:     "Organic Search",
		},
		{
			name:     "search engine subdomain resolves via registrable domain",
			referrer: "https://news.google.co.uk/",
			hostname: "example.com",
			want:     "Organic Search",
		},
		{
			name:        "cpc medium on search source is paid search",
			queryString: "utm_source=google&utm_medium=cpc",
			hostname:    "example.com",
			want:        "Paid Search",
		},
		{
			name:        "gclid with search referrer is paid search",
			referrer:    "https://www.google.com/",
			queryString: "gclid=abc123",
			hostname:    "example.com",
			want:        "Paid Search",
		},
		{
			name:        "gclid with no source at all is paid unknown",
			queryString: "gclid=abc123",
			hostname:    "example.com",
			want:        "Paid Unknown",
		},
		{
			name:        "gad_source counts as a paid signal",
			queryString: "gad_source=1&utm_source=youtube",
			hostname:    "example.com",
			want:        "Paid Video",
		},
		{
			name:     "social referrer is organic social",
			referrer: "https://www.facebook.com/",
			hostname: "example.com",
			want:     "Organic Social",
		},
		{
			name:        "paid medium on social referrer is paid social",
			referrer:    "https://facebook.com/",
			queryString: "utm_medium=paid_social",
			hostname:    "example.com",
			want:        "Paid Social",
		},
		{
			name:     "video referrer is organic video",
			referrer: "https://youtube.com/watch?v=1",
			hostname: "example.com",
			want:     "Organic Video",
		},
		{
			name:     "shopping referrer is organic shopping",
			referrer: "https://www.amazon.com/dp/B01",
			hostname: "example.com",
			want:     "Organic Shopping",
		},
		{
			name:        "email source",
			queryString: "utm_source=mailchimp",
			hostname:    "example.com",
			want:        "Email",
		},
		{
			name:        "sms source",
			queryString: "utm_source=sms",
			hostname:    "example.com",
			want:        "SMS",
		},
		{
			name:     "news referrer",
			referrer: "https://flipboard.com/topic/tech",
			hostname: "example.com",
			want:     "News",
		},
		{
			name:     "productivity referrer",
			referrer: "https://www.notion.so/workspace",
			hostname: "example.com",
			want:     "Productivity",
		},
		{
			name:        "social app bundle id is organic social",
			queryString: "utm_source=com.twitter.android",
			hostname:    "example.com",
			want:        "Organic Social",
		},
		{
			name:        "social app bundle id with paid medium is paid social",
			queryString: "utm_source=com.twitter.android&utm_medium=paid",
			hostname:    "example.com",
			want:        "Paid Social",
		},
		{
			name:        "email app bundle id",
			queryString: "utm_source=com.google.android.gm",
			hostname:    "example.com",
			want:        "Email",
		},
		{
			name:        "affiliate medium",
			queryString: "utm_source=partnersite&utm_medium=affiliate",
			hostname:    "example.com",
			want:        "Affiliate",
		},
		{
			name:        "push medium",
			queryString: "utm_medium=push",
			hostname:    "example.com",
			want:        "Push",
		},
		{
			name:        "display medium without paid signal",
			queryString: "utm_medium=display",
			hostname:    "example.com",
			want:        "Display",
		},
		{
			name:        "campaign keyword fallback video",
			queryString: "utm_campaign=summer_video_push2024",
			hostname:    "example.com",
			want:        "Organic Video",
		},
		{
			name:        "campaign keyword fallback shopping",
			queryString: "utm_campaign=blackfriday-shop",
			hostname:    "example.com",
			want:        "Organic Shopping",
		},
		{
			name:     "uncategorized referring domain is referral",
			referrer: "https://somefancyblog.net/posts/42",
			hostname: "example.com",
			want:     "Referral",
		},
		{
			name:        "unrecognized source with no referrer is unknown",
			queryString: "utm_source=zzzqqq",
			hostname:    "example.com",
			want:        "Unknown",
		},
		{
			name:        "self referral with utm falls through to classification",
			referrer:    "https://example.com/landing",
			queryString: "utm_source=google&utm_medium=cpc",
			hostname:    "example.com",
			want:        "Paid Search",
		},
		{
			name:     "unparseable referrer is treated as direct",
			referrer: "::::not a url::::",
			hostname: "example.com",
			want:     "Direct",
		},
		{
			name:        "leading question mark in query string is tolerated",
			queryString: "?utm_source=google&utm_medium=cpc",
			hostname:    "example.com",
			want:        "Paid Search",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.referrer, tt.queryString, tt.hostname)
			require.Equal(t, tt.want, got)
		})
	}
}

// Classification must be a pure function: identical inputs always produce
// identical output.
func TestClassifyDeterministic(t *testing.T) {
	inputs := [][3]string{
		{"https://google.com/search", "", "example.com"},
		{"", "utm_source=google&utm_medium=cpc", "example.com"},
		{"https://t.co/abc", "utm_campaign=launch_event", "example.com"},
		{"", "", ""},
	}
	for _, in := range inputs {
		first := Classify(in[0], in[1], in[2])
		for i := 0; i < 10; i++ {
			require.Equal(t, first, Classify(in[0], in[1], in[2]))
		}
	}
}
