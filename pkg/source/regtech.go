package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/xuri/excelize/v2"
)

const (
	defaultPortalURL = "https://regtech.example.kr"

	navTimeout      = 30 * time.Second
	downloadTimeout = 60 * time.Second
)

// Ordered candidate selectors for each login-form element. The first
// selector present in the DOM wins; later entries exist for portal
// redesigns that keep the same flow but rename attributes.
var (
	userIDSelectors = []string{
		`#userId`, `input[name="userId"]`, `input[name="loginId"]`, `input#id`,
	}
	nextButtonSelectors = []string{
		`#btnNext`, `button[name="next"]`, `.btn-next`, `button[type="submit"]`,
	}
	passwordSelectors = []string{
		`#password`, `input[name="password"]`, `input[type="password"]`,
	}
	loginButtonSelectors = []string{
		`#btnLogin`, `button[name="login"]`, `.btn-login`, `button[type="submit"]`,
	}
	startDateSelectors = []string{`#startDate`, `input[name="startDate"]`, `#srchStartDe`}
	endDateSelectors    = []string{`#endDate`, `input[name="endDate"]`, `#srchEndDe`}
	blacklistTabSelectors = []string{
		`a[data-tab="blacklist"]`, `#tabBlacklist`, `a:contains("Blacklist")`,
	}
	downloadButtonSelectors = []string{
		`#btnExcelDownload`, `button[name="excelDownload"]`, `.btn-excel`,
	}
)

// columnAliases declares, per canonical field, the fuzzy column-header alias
// sets the portal's export has used across revisions, including Korean labels.
var columnAliases = map[string][]string{
	"ip":       {"ip", "addr", "address", "ip주소", "ip address"},
	"reason":   {"reason", "사유", "description", "desc"},
	"category": {"category", "type", "분류", "threat_type"},
	"confidence": {"confidence", "score", "신뢰도"},
	"country":  {"country", "국가", "origin", "nation"},
	"detected": {"detection_date", "detected", "탐지일", "det_date"},
	"removed":  {"removal_date", "removed", "해제일", "removal"},
}

// RegTech drives the REGTECH advisory portal: two-stage login, date-windowed
// advisory navigation, Excel export, and worksheet parsing. It is the
// hardest-path implementation in the Registry; other sources adapt a subset
// of this flow.
type RegTech struct {
	portalURL string
	logger    *slog.Logger
}

// NewRegTech creates a RegTech source against portalURL. An empty portalURL
// falls back to the deployment default.
func NewRegTech(portalURL string, logger *slog.Logger) *RegTech {
	if portalURL == "" {
		portalURL = defaultPortalURL
	}
	return &RegTech{portalURL: portalURL, logger: logger}
}

func (r *RegTech) Name() string { return "REGTECH" }

// regtechSession wraps the chromedp allocator/browser contexts for one
// Fetch's lifetime. Release is safe to call multiple times and is always
// deferred by the caller immediately after Authenticate returns, so the
// browser context is torn down on every exit path including panics.
type regtechSession struct {
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	released    sync.Once
}

func (s *regtechSession) Release() {
	s.released.Do(func() {
		s.cancel()
		s.allocCancel()
	})
}

// Authenticate performs the two-stage REGTECH login: (a) submit the
// username to advance past user-id discovery, (b) submit the password on
// the resulting form. Success is cookies `regtech-va` and `regtech-front`
// both present, plus a redirect away from /login.
func (r *RegTech) Authenticate(ctx context.Context, cred Credential) (Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	sess := &regtechSession{allocCancel: allocCancel, ctx: browserCtx, cancel: cancel}

	authCtx, authCancelTimeout := context.WithTimeout(browserCtx, navTimeout)
	defer authCancelTimeout()

	var userIDSel string
	var bodyDump, inputDump string

	err := chromedp.Run(authCtx,
		chromedp.Navigate(r.portalURL+"/login"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, userIDSelectors)
			if err != nil {
				return err
			}
			userIDSel = sel
			return nil
		}),
		chromedp.SendKeys(userIDSel, cred.Username, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, nextButtonSelectors)
			if err != nil {
				return err
			}
			return chromedp.Click(sel, chromedp.ByQuery).Do(ctx)
		}),
	)
	if err != nil {
		dumpDiagnostics(browserCtx, &bodyDump, &inputDump)
		sess.Release()
		return nil, &AuthError{Reason: classifyAuthErr(err), Detail: diagnosticDetail(bodyDump, inputDump), Err: err}
	}

	var pwSel, loginSel string
	err = chromedp.Run(authCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, passwordSelectors)
			if err != nil {
				return err
			}
			pwSel = sel
			return nil
		}),
		chromedp.SendKeys(pwSel, cred.Password, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, loginButtonSelectors)
			if err != nil {
				return err
			}
			loginSel = sel
			return nil
		}),
		chromedp.Click(loginSel, chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
	)
	if err != nil {
		dumpDiagnostics(browserCtx, &bodyDump, &inputDump)
		sess.Release()
		return nil, &AuthError{Reason: classifyAuthErr(err), Detail: diagnosticDetail(bodyDump, inputDump), Err: err}
	}

	var currentURL string
	var cookies []*network.Cookie
	err = chromedp.Run(authCtx,
		chromedp.Location(&currentURL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			c, err := network.GetCookies().Do(ctx)
			cookies = c
			return err
		}),
	)
	if err != nil {
		sess.Release()
		return nil, &AuthError{Reason: AuthReasonNetwork, Err: err}
	}

	if strings.Contains(currentURL, "/login") {
		sess.Release()
		return nil, &AuthError{Reason: AuthReasonInvalid, Detail: "still on /login after submitting credentials"}
	}

	if !hasCookie(cookies, "regtech-va") || !hasCookie(cookies, "regtech-front") {
		sess.Release()
		return nil, &AuthError{Reason: AuthReasonInvalid, Detail: "missing regtech-va/regtech-front session cookies"}
	}

	return sess, nil
}

// Fetch navigates to the advisory list, applies the date window, selects
// the blacklist tab, and triggers the Excel export. It intercepts the
// network response carrying the workbook rather than writing to disk.
func (r *RegTech) Fetch(ctx context.Context, session Session, window DateWindow) ([]byte, error) {
	sess, ok := session.(*regtechSession)
	if !ok {
		return nil, &FetchError{Stage: "navigate", Err: fmt.Errorf("unexpected session type %T", session)}
	}

	navCtx, navCancel := context.WithTimeout(sess.ctx, navTimeout)
	defer navCancel()

	var startSel, endSel, tabSel string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(r.portalURL+"/board/advisory/list"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, startDateSelectors)
			if err != nil {
				return err
			}
			startSel = sel
			sel, err = firstPresent(ctx, endDateSelectors)
			if err != nil {
				return err
			}
			endSel = sel
			return nil
		}),
		chromedp.SetValue(startSel, window.From.Format("2006-01-02"), chromedp.ByQuery),
		chromedp.SetValue(endSel, window.To.Format("2006-01-02"), chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, blacklistTabSelectors)
			if err != nil {
				return err
			}
			tabSel = sel
			return nil
		}),
		chromedp.Click(tabSel, chromedp.ByQuery),
	)
	if err != nil {
		return nil, &FetchError{Stage: "select-tab", Err: err}
	}

	artifact, err := r.downloadExcel(sess.ctx)
	if err != nil {
		return nil, &FetchError{Stage: "download", Err: err}
	}

	return artifact, nil
}

// downloadExcel clicks the export button and waits for a network response
// whose content-type indicates a spreadsheet, collecting its body via CDP
// network interception. A timeout cancels all waiters deterministically.
func (r *RegTech) downloadExcel(ctx context.Context) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)

	dlCtx, dlCancel := context.WithTimeout(ctx, downloadTimeout)
	defer dlCancel()

	var once sync.Once
	chromedp.ListenTarget(dlCtx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		ct := resp.Response.MimeType
		if !strings.Contains(ct, "spreadsheet") && !strings.Contains(ct, "excel") && !strings.Contains(ct, "octet-stream") {
			return
		}

		once.Do(func() {
			go func() {
				body, _, err := network.GetResponseBody(resp.RequestID).Do(dlCtx)
				if err != nil {
					done <- result{err: fmt.Errorf("reading response body: %w", err)}
					return
				}
				done <- result{body: body}
			}()
		})
	})

	var downloadSel string
	if err := chromedp.Run(dlCtx,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			sel, err := firstPresent(ctx, downloadButtonSelectors)
			if err != nil {
				return err
			}
			downloadSel = sel
			return nil
		}),
		chromedp.Click(downloadSel, chromedp.ByQuery),
	); err != nil {
		return nil, err
	}

	select {
	case res := <-done:
		return res.body, res.err
	case <-dlCtx.Done():
		return nil, fmt.Errorf("timed out waiting for excel download: %w", dlCtx.Err())
	}
}

// Parse reads the first worksheet of artifact, maps columns to fields by
// fuzzy header matching over columnAliases, and emits one Row per data row.
func (r *RegTech) Parse(_ context.Context, artifact []byte) ([]Row, error) {
	f, err := excelize.OpenReader(bytes.NewReader(artifact))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no worksheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("reading worksheet %q: %w", sheets[0], err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	colIdx := matchHeaders(rows[0])

	out := make([]Row, 0, len(rows)-1)
	for _, raw := range rows[1:] {
		out = append(out, Row{
			IP:            cell(raw, colIdx["ip"]),
			Reason:        cell(raw, colIdx["reason"]),
			Category:      cell(raw, colIdx["category"]),
			Confidence:    cell(raw, colIdx["confidence"]),
			Country:       cell(raw, colIdx["country"]),
			DetectionDate: cell(raw, colIdx["detected"]),
			RemovalDate:   cell(raw, colIdx["removed"]),
		})
	}

	return out, nil
}

// matchHeaders resolves each logical field to a 0-based column index by
// case-insensitive, trimmed comparison against columnAliases. A field with
// no matching header is left unresolved (-1) and its cells come back empty.
func matchHeaders(header []string) map[string]int {
	idx := make(map[string]int, len(columnAliases))
	for field := range columnAliases {
		idx[field] = -1
	}

	for col, raw := range header {
		h := strings.ToLower(strings.TrimSpace(raw))
		for field, aliases := range columnAliases {
			if idx[field] != -1 {
				continue
			}
			for _, alias := range aliases {
				if h == alias {
					idx[field] = col
					break
				}
			}
		}
	}

	return idx
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}

// firstPresent returns the first selector in candidates that matches at
// least one node in the current page, or an error enumerating every
// candidate tried. The robustness policy: iterate in order, first match
// wins.
func firstPresent(ctx context.Context, candidates []string) (string, error) {
	for _, sel := range candidates {
		var count int
		if err := chromedp.Run(ctx, chromedp.EvaluateAsDevTools(
			fmt.Sprintf(`document.querySelectorAll(%q).length`, sel), &count)); err != nil {
			continue
		}
		if count > 0 {
			return sel, nil
		}
	}
	return "", fmt.Errorf("no candidate selector matched: %s", strings.Join(candidates, ", "))
}

// dumpDiagnostics captures the rendered body and a JSON-encoded list of
// every input element's name/id/type for the error returned when no
// candidate selector matches — the robustness policy's failure path.
func dumpDiagnostics(ctx context.Context, body, inputs *string) {
	_ = chromedp.Run(ctx, chromedp.OuterHTML("html", body))

	var raw string
	_ = chromedp.Run(ctx, chromedp.EvaluateAsDevTools(`
		JSON.stringify(Array.from(document.querySelectorAll('input')).map(function(el) {
			return {name: el.name, id: el.id, type: el.type};
		}))
	`, &raw))

	var descriptors []map[string]string
	if json.Unmarshal([]byte(raw), &descriptors) == nil {
		if encoded, err := json.Marshal(descriptors); err == nil {
			*inputs = string(encoded)
		}
	}
}

func diagnosticDetail(body, inputs string) string {
	const maxLen = 2000
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	return fmt.Sprintf("inputs=%s body_excerpt=%s", inputs, body)
}

func classifyAuthErr(err error) AuthErrorReason {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timeout"):
		return AuthReasonTimeout
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "connection refused"):
		return AuthReasonNetwork
	default:
		return AuthReasonInvalid
	}
}

func hasCookie(cookies []*network.Cookie, name string) bool {
	for _, c := range cookies {
		if c.Name == name {
			return true
		}
	}
	return false
}
