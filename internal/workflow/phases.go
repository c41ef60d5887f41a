package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lineprov/internal/browser"
	"lineprov/internal/records"

	"go.uber.org/zap"
)

var (
	locLoginButton = browser.CSS(`toly-button[data-email-login-button="true"]`)
	locEmail       = browser.CSS(`input[type="email"]`)
	locPassword    = browser.CSS(`input[type="password"]`)

	locAccountName   = browser.CSS(`input[name="bot.name"]`)
	locCategoryGroup = browser.CSS(`select[name="category_group"]`)
	locCategory      = browser.CSS(`select[name="category"]`)
	locPurpose       = browser.WithText("label", "お問い合わせに対応したい")
	locMainUse       = browser.WithText("label", "メッセージ配信用")

	confirmButtons = []browser.Locator{
		browser.WithText("button", "確認"),
		browser.CSS(`button[type="submit"]`),
	}
	completeButtons = []browser.Locator{
		browser.CSS(`button[data-entrytype="unverified"]`),
		browser.WithText("button", "完了"),
		browser.WithText("button.btn-primary", "完了"),
	}
	locVerifyLater = browser.WithText("a", "あとで認証を行う")
	locAgree       = browser.CSS(`#modalAgreementAgree`)

	locModal        = browser.CSS(`.modal-content, .modal.show`)
	modalCloseOrder = []browser.Locator{
		browser.WithText("button.btn-secondary", "閉じる"),
		browser.WithText("button", "閉じる"),
	}

	locBizSelectRadio  = browser.WithText("label", "ビジネスマネージャーの組織を選択")
	locBizSelectButton = browser.WithText("button", "組織を選択")
	locBizSearch       = browser.CSS(`input[placeholder="組織名を入力"]`)
	bizPickButtons     = []browser.Locator{
		browser.WithText(".modal.show button.btn-outline-primary", "選択"),
		browser.WithText(".modal.show button", "選択"),
	}
	bizModalClose = []browser.Locator{
		browser.CSS(`.modal.show button.close`),
		browser.WithText(".modal.show button", "閉じる"),
	}
	locBizCreateRadio = browser.WithText("label", "ビジネスマネージャーの組織を作成")
	bizCreateInputs   = []browser.Locator{
		browser.CSS(`div.d-flex.mt-2 input.form-control`),
		browser.CSS(`input.form-control[aria-required="false"]`),
	}

	locCamera       = browser.CSS(`i.la-camera`)
	locFileInput    = browser.CSS(`input[type="file"]`)
	locCropFace     = browser.CSS(`.cropper-face`)
	locCropSE       = browser.CSS(`.cropper-point.point-se`)
	locCropCanvas   = browser.CSS(`.cropper-container`)
	locCropOK       = browser.WithText(`button[data-automation="confirmation-modal-confirm"]`, "OK")
	locPublish      = browser.WithText(`button[data-automation="confirmation-modal-confirm"]`, "公開")
	locUseMessaging = browser.WithText("button", "Messaging APIを利用する")
	locProviderName = browser.CSS(`input[name="providerName"]`)
	locAgreeTerms   = browser.WithText("button", "同意する")
	locOK           = browser.WithText("button", "OK")

	locAddMember   = browser.WithText("button", "メンバーを追加")
	locPermission  = browser.CSS(`#formPermissonType`)
	locIssueURL    = browser.WithText("button", "URLを発行")
	locReadonly    = browser.CSS(`input[readonly]`)
	locCloseDialog = browser.WithText("button", "閉じる")

	locCopy      = browser.WithText("button", "コピー")
	friendFields = []browser.Locator{
		browser.CSS(`input[readonly]`),
		browser.CSS(`.friend-url`),
	}

	messagingTabs = []browser.Locator{
		browser.WithText("nav ul li button", "Messaging API設定"),
		browser.WithText("nav ul li button", "Messaging API"),
		browser.WithText(".kv-tabs button", "Messaging"),
		browser.WithText("button, a", "Messaging API"),
	}
	issueButtons = []browser.Locator{
		browser.WithText("button", "発行"),
		browser.WithText("button", "Issue"),
		browser.WithText("button.kv-button", "Issue"),
	}
	locCopyable = browser.CSS(`div.copyable`)
)

const (
	probeTimeout   = 2 * time.Second
	modalAttempts  = 5
	agreeAttempts  = 2
	confirmRetries = 2
)

// click tries candidates in order with a direct click.
func (p *Provisioner) click(ctx context.Context, cands []browser.Locator) error {
	_, err := browser.FirstOf(cands, func(l browser.Locator) error {
		return p.driver.Click(ctx, l)
	})
	return err
}

// clickIfPresent clicks loc when it appears within the probe timeout.
func (p *Provisioner) clickIfPresent(ctx context.Context, loc browser.Locator) bool {
	if !p.driver.Exists(ctx, loc, probeTimeout) {
		return false
	}
	if err := p.driver.HumanClick(ctx, loc); err != nil {
		p.log.Debug("click", zap.Stringer("locator", loc), zap.Error(err))
		return false
	}
	return true
}

// clickFirstPresent clicks the first candidate that is on the page.
func (p *Provisioner) clickFirstPresent(ctx context.Context, cands []browser.Locator) bool {
	for _, l := range cands {
		if p.driver.Exists(ctx, l, 0) && p.driver.Click(ctx, l) == nil {
			return true
		}
	}
	return false
}

// steps runs fn in order, sleeping pause between them, and stops at the first
// error.
func (p *Provisioner) steps(ctx context.Context, pause time.Duration, fns ...func() error) error {
	for i, fn := range fns {
		if i > 0 {
			if err := p.sleep(ctx, pause); err != nil {
				return err
			}
		}
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) accountURL(basicID, suffix string) string {
	return strings.TrimRight(p.cfg.Site.ManagerURL, "/") + "/account/" + basicID + suffix
}

func (p *Provisioner) create(ctx context.Context, rec records.Record) (string, error) {
	site := p.cfg.Site
	if err := p.driver.Navigate(ctx, site.ManagerURL); err != nil {
		return "", fmt.Errorf("open manager: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return "", err
	}

	if err := p.driver.HumanClick(ctx, browser.CSS(fmt.Sprintf(`a[href=%q]`, site.EntryURL))); err != nil {
		return "", fmt.Errorf("create link: %w", err)
	}
	if err := p.driver.SwitchToNewestSurface(ctx); err != nil {
		return "", fmt.Errorf("entry form tab: %w", err)
	}

	p.status("entering account details")
	err := p.steps(ctx, 500*time.Millisecond,
		func() error { return p.driver.HumanType(ctx, locAccountName, rec.Name) },
		func() error { return p.driver.SelectOption(ctx, locCategoryGroup, site.CategoryGroup) },
		func() error { return p.driver.SelectOption(ctx, locCategory, site.Category) },
		func() error { return p.driver.HumanClick(ctx, locPurpose) },
		func() error { return p.driver.HumanClick(ctx, locMainUse) },
	)
	if err != nil {
		return "", fmt.Errorf("fill entry form: %w", err)
	}

	if p.cfg.BizManagerName != "" {
		if err := p.selectBizManager(ctx); err != nil {
			return "", fmt.Errorf("business manager: %w", err)
		}
	}

	if err := p.click(ctx, confirmButtons); err != nil {
		return "", fmt.Errorf("confirm: %w", err)
	}
	if err := p.sleep(ctx, 3*time.Second); err != nil {
		return "", err
	}
	if err := p.click(ctx, completeButtons); err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if err := p.sleep(ctx, 3*time.Second); err != nil {
		return "", err
	}

	if err := p.challenge(ctx); err != nil {
		return "", err
	}

	if p.driver.Exists(ctx, locVerifyLater, 10*time.Second) {
		if err := p.driver.Click(ctx, locVerifyLater); err != nil {
			return "", fmt.Errorf("verify later: %w", err)
		}
	} else if !strings.Contains(p.driver.CurrentURL(), p.managerMarker+"/account") {
		return "", fmt.Errorf("verify later link not found on %s", p.driver.CurrentURL())
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return "", err
	}

	for range agreeAttempts {
		p.clickIfPresent(ctx, locAgree)
	}
	p.dismissModals(ctx)

	if err := p.driver.Reload(ctx); err != nil {
		return "", fmt.Errorf("reload account page: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return "", err
	}

	id := ExtractBasicID(p.driver.CurrentURL())
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoIdentifier, p.driver.CurrentURL())
	}
	return id, nil
}

func (p *Provisioner) selectBizManager(ctx context.Context) error {
	name := p.cfg.BizManagerName
	p.status("setting business manager organization")

	err := p.steps(ctx, time.Second,
		func() error { return p.driver.HumanClick(ctx, locBizSelectRadio) },
		func() error { return p.driver.HumanClick(ctx, locBizSelectButton) },
		func() error { return p.driver.HumanType(ctx, locBizSearch, name) },
	)
	if err != nil {
		return err
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	for _, l := range bizPickButtons {
		if p.driver.Exists(ctx, l, probeTimeout) && p.driver.Click(ctx, l) == nil {
			p.report("selected existing organization %q", name)
			return nil
		}
	}

	p.report("organization %q not found, creating it", name)
	if !p.clickFirstPresent(ctx, bizModalClose) {
		if err := p.driver.PressKey(ctx, browser.KeyEscape); err != nil {
			return err
		}
	}
	if err := p.sleep(ctx, time.Second); err != nil {
		return err
	}
	if err := p.driver.HumanClick(ctx, locBizCreateRadio); err != nil {
		return err
	}
	if err := p.sleep(ctx, time.Second); err != nil {
		return err
	}
	_, err = browser.FirstOf(bizCreateInputs, func(l browser.Locator) error {
		return p.driver.HumanType(ctx, l, name)
	})
	return err
}

// dismissModals closes post-creation modals, preferring an explicit close
// button and falling back to Escape.
func (p *Provisioner) dismissModals(ctx context.Context) {
	for range modalAttempts {
		if p.sleep(ctx, 500*time.Millisecond) != nil {
			return
		}
		if !p.driver.Exists(ctx, locModal, 0) {
			return
		}
		if !p.clickFirstPresent(ctx, modalCloseOrder) {
			if err := p.driver.PressKey(ctx, browser.KeyEscape); err != nil {
				p.log.Debug("escape modal", zap.Error(err))
			}
		}
	}
}

func (p *Provisioner) updateIcon(ctx context.Context, basicID, assetPath string) error {
	p.status("updating icon")
	edit := browser.CSS(fmt.Sprintf(`a[href=%q]`, p.cfg.Site.PageURL+basicID))
	if err := p.driver.HumanClick(ctx, edit); err != nil {
		return fmt.Errorf("edit link: %w", err)
	}
	if err := p.driver.SwitchToNewestSurface(ctx); err != nil {
		return fmt.Errorf("edit tab: %w", err)
	}

	err := p.iconSteps(ctx, assetPath)
	if cerr := p.driver.CloseCurrentSurface(ctx); cerr != nil {
		p.log.Debug("close edit tab", zap.Error(cerr))
	}
	return err
}

func (p *Provisioner) iconSteps(ctx context.Context, assetPath string) error {
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}
	if err := p.driver.HumanClick(ctx, locCamera); err != nil {
		return fmt.Errorf("camera icon: %w", err)
	}
	if err := p.driver.AttachFile(ctx, locFileInput, assetPath); err != nil {
		return fmt.Errorf("attach image: %w", err)
	}
	if err := p.sleep(ctx, 3*time.Second); err != nil {
		return err
	}

	if err := p.maximizeCrop(ctx); err != nil {
		p.log.Info("crop left as is", zap.Error(err))
	}

	if err := p.driver.HumanClick(ctx, locCropOK); err != nil {
		return fmt.Errorf("crop ok: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}
	if err := p.driver.Click(ctx, locPublish); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return p.sleep(ctx, 2*time.Second)
}

// maximizeCrop drags the crop face to its own top-left corner, then the
// south-east handle to the canvas bottom-right inset by 10px.
func (p *Provisioner) maximizeCrop(ctx context.Context) error {
	face, err := p.driver.BoundingBox(ctx, locCropFace)
	if err != nil {
		return err
	}
	if err := p.driver.DragTo(ctx, locCropFace, face.X, face.Y); err != nil {
		return err
	}
	canvas, err := p.driver.BoundingBox(ctx, locCropCanvas)
	if err != nil {
		return err
	}
	return p.driver.DragTo(ctx, locCropSE, canvas.X+canvas.Width-10, canvas.Y+canvas.Height-10)
}

func (p *Provisioner) enableMessaging(ctx context.Context, basicID, displayName string) error {
	p.status("enabling messaging api")
	if err := p.driver.Navigate(ctx, p.accountURL(basicID, "/setting/messaging-api")); err != nil {
		return err
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}
	if err := p.driver.HumanClick(ctx, locUseMessaging); err != nil {
		return fmt.Errorf("use messaging api: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}

	if err := p.chooseProvider(ctx, displayName); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := p.sleep(ctx, time.Second); err != nil {
		return err
	}

	if err := p.driver.HumanClick(ctx, locAgreeTerms); err != nil {
		return fmt.Errorf("agree: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return err
	}
	for range confirmRetries {
		if p.clickIfPresent(ctx, locOK) {
			if err := p.sleep(ctx, time.Second); err != nil {
				return err
			}
		}
	}
	return nil
}

// chooseProvider picks the existing provider named after the organization,
// or types a new provider name. Without an organization the account name is
// used when the site asks for one.
func (p *Provisioner) chooseProvider(ctx context.Context, displayName string) error {
	name := p.cfg.BizManagerName
	if name != "" {
		existing := browser.WithText("label.custom-control-label", name)
		if p.driver.Exists(ctx, existing, probeTimeout) {
			return p.driver.Click(ctx, existing)
		}
	} else {
		name = displayName
	}
	if !p.driver.Exists(ctx, locProviderName, probeTimeout) {
		return nil
	}
	return p.driver.HumanType(ctx, locProviderName, name)
}

func (p *Provisioner) grantPermission(ctx context.Context, basicID string) (string, error) {
	p.status("issuing admin permission link")
	if err := p.driver.Navigate(ctx, p.accountURL(basicID, "/setting/user")); err != nil {
		return "", err
	}
	err := p.steps(ctx, 500*time.Millisecond,
		func() error { return p.driver.HumanClick(ctx, locAddMember) },
		func() error { return p.driver.SelectOption(ctx, locPermission, "ADMIN") },
		func() error { return p.driver.HumanClick(ctx, locIssueURL) },
	)
	if err != nil {
		return "", err
	}
	if err := p.sleep(ctx, 2500*time.Millisecond); err != nil {
		return "", err
	}

	link, err := p.driver.ValueOf(ctx, locReadonly)
	if err != nil {
		return "", fmt.Errorf("read permission link: %w", err)
	}
	if link == "" {
		return "", fmt.Errorf("permission link: %w", ErrEmptyValue)
	}
	if err := p.driver.HumanClick(ctx, locCloseDialog); err != nil {
		p.log.Debug("close permission dialog", zap.Error(err))
	}
	return link, nil
}

func (p *Provisioner) friendLink(ctx context.Context, basicID string) (string, error) {
	p.status("reading add-friend link")
	if err := p.driver.Navigate(ctx, p.accountURL(basicID, "/gainfriends/add-friend-url")); err != nil {
		return "", err
	}
	if err := p.driver.HumanClick(ctx, locCopy); err != nil {
		return "", fmt.Errorf("copy button: %w", err)
	}
	if err := p.sleep(ctx, 500*time.Millisecond); err != nil {
		return "", err
	}

	var link string
	_, err := browser.FirstOf(friendFields, func(l browser.Locator) error {
		v, err := p.driver.ValueOf(ctx, l)
		if err != nil || v == "" {
			v, err = p.driver.TextOf(ctx, l)
		}
		if err != nil {
			return err
		}
		if v = strings.TrimSpace(v); v == "" {
			return ErrEmptyValue
		}
		link = v
		return nil
	})
	return link, err
}

func (p *Provisioner) extractCredential(ctx context.Context, displayName string) (string, error) {
	p.status("issuing channel access token")
	if err := p.driver.Navigate(ctx, p.cfg.Site.DevelopersURL); err != nil {
		return "", err
	}
	if err := p.sleep(ctx, 3*time.Second); err != nil {
		return "", err
	}

	if org := p.cfg.BizManagerName; org != "" {
		if err := p.driver.Click(ctx, browser.WithText(".dc-provider-name", org)); err != nil {
			return "", fmt.Errorf("organization %q: %w", org, err)
		}
		if err := p.sleep(ctx, 2*time.Second); err != nil {
			return "", err
		}
	}

	channel := []browser.Locator{
		browser.WithText("h3.title", displayName),
		browser.WithText("section", displayName),
	}
	if err := p.click(ctx, channel); err != nil {
		return "", fmt.Errorf("channel %q: %w", displayName, err)
	}
	if err := p.sleep(ctx, 5*time.Second); err != nil {
		return "", err
	}

	if err := p.click(ctx, messagingTabs); err != nil {
		return "", fmt.Errorf("messaging tab: %w", err)
	}
	if err := p.sleep(ctx, 2*time.Second); err != nil {
		return "", err
	}
	if err := p.click(ctx, issueButtons); err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	if err := p.sleep(ctx, 5*time.Second); err != nil {
		return "", err
	}

	markup, err := p.driver.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("read console page: %w", err)
	}
	if tok := FindAccessToken(markup); tok != "" {
		return tok, nil
	}
	if tok, err := p.driver.AttrOf(ctx, locCopyable, "content"); err == nil && strings.TrimSpace(tok) != "" {
		return strings.TrimSpace(tok), nil
	}

	p.dumpPage(markup)
	return "", ErrCredentialNotFound
}

// dumpPage keeps the console markup for selector debugging.
func (p *Provisioner) dumpPage(markup string) {
	dir := p.cfg.DebugDir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.log.Warn("create debug dir", zap.Error(err))
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("token_page_%s.html", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, []byte(markup), 0o600); err != nil {
		p.log.Warn("write debug page", zap.Error(err))
		return
	}
	p.report("saved console page for debugging: %s", path)
}
