package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pixelwatch/internal/model"
)

func TestFilter_Allows(t *testing.T) {
	t.Parallel()
	f := New([]string{"sp.analytics.yahoo.com", "*.beacons.example"}, []string{"script", " Image "})

	tests := []struct {
		name string
		url  string
		typ  model.ResourceType
		want bool
	}{
		{"script beacon", "https://sp.analytics.yahoo.com/sp.pl?a=1", model.ResourceScript, true},
		{"image beacon", "https://sp.analytics.yahoo.com/spp.pl?a=1", model.ResourceImage, true},
		{"CDP casing", "https://SP.analytics.yahoo.com/sp.pl", "Script", true},
		{"port ignored", "https://sp.analytics.yahoo.com:443/sp.pl", model.ResourceImage, true},
		{"glob host", "https://eu.beacons.example/p", model.ResourceImage, true},
		{"glob does not match apex", "https://beacons.example/p", model.ResourceImage, false},
		{"other host", "https://cdn.example.com/sp.pl", model.ResourceScript, false},
		{"xhr type", "https://sp.analytics.yahoo.com/sp.pl", "xmlhttprequest", false},
		{"garbage url", "::::", model.ResourceImage, false},
		{"relative url", "/sp.pl?a=1", model.ResourceImage, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.Allows(tc.url, tc.typ))
		})
	}
}

func TestFilter_EmptyAllowsAll(t *testing.T) {
	t.Parallel()
	f := New(nil, nil)
	assert.True(t, f.Allows("https://anything/", "font"))

	var nilFilter *Filter
	assert.True(t, nilFilter.Allows("https://anything/", "font"))
}

func TestFilter_AllowsEvent(t *testing.T) {
	t.Parallel()
	f := New([]string{"sp.analytics.yahoo.com"}, nil)
	assert.False(t, f.AllowsEvent(model.Event{Kind: model.KindStart, URL: "https://x.test/"}))
	assert.True(t, f.AllowsEvent(model.Event{Kind: model.KindCompleted}))
}
