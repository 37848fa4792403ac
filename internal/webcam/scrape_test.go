package webcam

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScrapeImageURLs(t *testing.T) {
	t.Parallel()

	t.Run("QuotedAttributes", func(t *testing.T) {
		html := `<html><body>
			<img src="/images/webcam1.jpg" alt="north">
			<img src='/images/cam_south.webp'>
			<img src="/images/logo.svg">
		</body></html>`
		urls := ScrapeImageURLs(html, "https://aviationwx.org")
		assert.Equal(t, []string{
			"https://aviationwx.org/images/webcam1.jpg",
			"https://aviationwx.org/images/cam_south.webp",
		}, urls)
	})

	t.Run("UnquotedAttribute", func(t *testing.T) {
		html := `<img src=/snapshot/latest.jpg width=640>`
		urls := ScrapeImageURLs(html, "https://aviationwx.org")
		assert.Equal(t, []string{"https://aviationwx.org/snapshot/latest.jpg"}, urls)
	})

	t.Run("ExtensionWithQuery", func(t *testing.T) {
		html := `<img src="https://cdn.example.com/camera/view.jpg?ts=1">`
		urls := ScrapeImageURLs(html, "https://aviationwx.org")
		assert.Equal(t, []string{"https://cdn.example.com/camera/view.jpg?ts=1"}, urls)
	})

	t.Run("RequiresKeywordAndExtension", func(t *testing.T) {
		// Extension but no keyword, keyword but no extension.
		html := `<img src="/assets/banner.jpg"><img src="/webcam/feed">`
		assert.Empty(t, ScrapeImageURLs(html, "https://aviationwx.org"))
	})

	t.Run("NoImages", func(t *testing.T) {
		assert.Empty(t, ScrapeImageURLs("<html><p>no cams</p></html>", "https://aviationwx.org"))
	})
}

func TestExtractAttr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a.jpg", extractAttr(`<img src="a.jpg">`, "src"))
	assert.Equal(t, "a.jpg", extractAttr(`<img src='a.jpg'>`, "src"))
	assert.Equal(t, "a.jpg", extractAttr(`<img src=a.jpg alt=x>`, "src"))
	assert.Equal(t, "a.jpg", extractAttr(`<IMG SRC=a.jpg>`, "src"))
	assert.Empty(t, extractAttr(`<img alt="x">`, "src"))
	assert.Empty(t, extractAttr(`<img src="unterminated`, "src"))
}

func TestSanitize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "north_ramp", Sanitize("North Ramp", "cam_0"))
	assert.Equal(t, "tower_view_2", Sanitize("Tower  View #2", "cam_0"))
	assert.Equal(t, "cam_3", Sanitize("", "cam_3"))
	assert.Equal(t, "cam_3", Sanitize("///", "cam_3"))
}

func TestWebcamCurrentImageURL(t *testing.T) {
	t.Parallel()

	apiBase := "https://api.aviationwx.org/v1"

	t.Run("PriorityOrder", func(t *testing.T) {
		w := Webcam{ImageURL: "/a.jpg", URL: "/b.jpg"}
		assert.Equal(t, "https://api.aviationwx.org/a.jpg", w.CurrentImageURL(apiBase))
	})

	t.Run("FallsThroughKeys", func(t *testing.T) {
		w := Webcam{SnapshotURL: "https://cdn.example.com/c.jpg"}
		assert.Equal(t, "https://cdn.example.com/c.jpg", w.CurrentImageURL(apiBase))
	})

	t.Run("NoURL", func(t *testing.T) {
		assert.Empty(t, Webcam{}.CurrentImageURL(apiBase))
	})
}
