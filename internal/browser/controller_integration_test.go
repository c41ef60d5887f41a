//go:build integration

package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"lineprov/internal/browser"
	"lineprov/internal/session"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const formPage = `<html><body>
<form>
  <input name="bot.name">
  <select name="category_group"><option value="1">one</option><option value="71">food</option></select>
  <input type="file" id="upload">
  <button type="button" onclick="document.title='clicked'">確認</button>
</form>
<a id="open" href="/second" target="_blank">open</a>
<div class="copyable" content="tok">x</div>
<script>localStorage.setItem('lang', 'ja');</script>
</body></html>`

func fastConfig() browser.Config {
	cfg := browser.DefaultConfig()
	cfg.Headless = true
	cfg.ActionDelayMinMs, cfg.ActionDelayMaxMs = 0, 10
	cfg.TypingDelayMinMs, cfg.TypingDelayMaxMs = 0, 5
	cfg.MouseStepsMin, cfg.MouseStepsMax = 2, 4
	cfg.NavigationTimeoutMs = 10000
	cfg.ElementTimeoutMs = 3000
	return cfg
}

func TestController_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/second" {
			fmt.Fprintln(w, "<html><body><h1>second</h1></body></html>")
			return
		}
		fmt.Fprint(w, formPage)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c := browser.New(fastConfig(), zap.NewNop())
	require.NoError(t, c.Launch(ctx), "Failed to start browser")
	defer func() {
		if err := c.Close(); err != nil {
			t.Logf("Close error: %v", err)
		}
	}()

	require.NoError(t, c.Navigate(ctx, ts.URL))
	require.Equal(t, ts.URL+"/", c.CurrentURL())

	name := browser.CSS(`input[name="bot.name"]`)
	require.NoError(t, c.HumanType(ctx, name, "テスト店"))
	v, err := c.ValueOf(ctx, name)
	require.NoError(t, err)
	require.Equal(t, "テスト店", v)

	require.NoError(t, c.SelectOption(ctx, browser.CSS(`select[name="category_group"]`), "71"))
	v, err = c.ValueOf(ctx, browser.CSS(`select[name="category_group"]`))
	require.NoError(t, err)
	require.Equal(t, "71", v)

	require.True(t, c.Exists(ctx, browser.WithText("button", "確認"), time.Second))
	require.False(t, c.Exists(ctx, browser.WithText("button", "完了"), 200*time.Millisecond))
	require.NoError(t, c.HumanClick(ctx, browser.WithText("button", "確認")))

	attr, err := c.AttrOf(ctx, browser.CSS("div.copyable"), "content")
	require.NoError(t, err)
	require.Equal(t, "tok", attr)

	img := filepath.Join(t.TempDir(), "icon.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o600))
	require.NoError(t, c.AttachFile(ctx, browser.CSS("#upload"), img))

	html, err := c.HTML(ctx)
	require.NoError(t, err)
	require.True(t, strings.Contains(html, "copyable"))

	state, err := c.Storage(ctx)
	require.NoError(t, err)
	require.Equal(t, "ja", state[strings.TrimSuffix(ts.URL, "/")]["lang"])

	require.NoError(t, c.Click(ctx, browser.CSS("#open")))
	require.NoError(t, c.SwitchToNewestSurface(ctx))
	require.True(t, strings.HasSuffix(c.CurrentURL(), "/second"))
	require.NoError(t, c.CloseCurrentSurface(ctx))
	require.Equal(t, ts.URL+"/", c.CurrentURL())
	require.ErrorIs(t, c.CloseCurrentSurface(ctx), browser.ErrLastSurface)

	require.NoError(t, c.SetCookies(ctx, []session.Cookie{{
		Name: "ses", Value: "abc", Domain: "127.0.0.1", Path: "/",
	}}))
	cookies, err := c.Cookies(ctx)
	require.NoError(t, err)
	found := false
	for _, ck := range cookies {
		if ck.Name == "ses" && ck.Value == "abc" {
			found = true
		}
	}
	require.True(t, found, "cookie round trip")

	require.NoError(t, c.Reload(ctx))
	require.NoError(t, c.WaitURL(ctx, "127.0.0.1", time.Second))
	require.NoError(t, c.CloseAllExceptCurrent(ctx))
}

const xhrPage = `<html><body><div id="out">pending</div>
<script>
fetch('/slow').then(r => r.text()).then(t => { document.getElementById('out').textContent = t; });
</script>
</body></html>`

func TestController_NavigateWaitsForNetworkIdle(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(time.Second)
			fmt.Fprintf(w, "loaded %d", hits.Add(1))
			return
		}
		fmt.Fprint(w, xhrPage)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c := browser.New(fastConfig(), zap.NewNop())
	require.NoError(t, c.Launch(ctx), "Failed to start browser")
	defer c.Close()

	require.NoError(t, c.Navigate(ctx, ts.URL))
	html, err := c.HTML(ctx)
	require.NoError(t, err)
	require.Contains(t, html, "loaded 1", "the delayed request finished before Navigate returned")

	require.NoError(t, c.Reload(ctx))
	html, err = c.HTML(ctx)
	require.NoError(t, err)
	require.Contains(t, html, "loaded 2")
}
