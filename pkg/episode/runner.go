package episode

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d-kuro/episodepilot/pkg/auth"
	"github.com/d-kuro/episodepilot/pkg/clock"
	"github.com/d-kuro/episodepilot/pkg/constants"
	"github.com/d-kuro/episodepilot/pkg/logger"
	"github.com/d-kuro/episodepilot/pkg/types"
)

var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006", "Jan 2, 2006"}

const maxTags = 5

// Config holds runner settings.
type Config struct {
	ShowID          string
	AudioDir        string
	CandidateWindow time.Duration
	UploadTimeout   time.Duration
	Sampling        types.Sampling
	Clock           clock.Nower
	Logger          *zap.Logger
}

// Runner processes one batch of rows.
type Runner struct {
	sheet  Sheet
	gen    Generator
	synth  Synthesizer
	upload Uploader
	tokens Tokens
	cfg    Config
	logger *zap.Logger
}

// NewRunner creates a new Runner.
func NewRunner(sheet Sheet, gen Generator, synth Synthesizer, upload Uploader, tokens Tokens, cfg Config) *Runner {
	if cfg.CandidateWindow <= 0 {
		cfg.CandidateWindow = constants.CandidateWindow
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = constants.UploadTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Sampling.Temperature == 0 {
		cfg.Sampling.Temperature = 0.7
	}
	return &Runner{
		sheet:  sheet,
		gen:    gen,
		synth:  synth,
		upload: upload,
		tokens: tokens,
		cfg:    cfg,
		logger: logger.OrNop(cfg.Logger).Named("runner"),
	}
}

// Run validates the credential, then processes every candidate row. A
// credential failure aborts the run and is returned; per-row failures are
// written to the sheet and the run continues.
func (r *Runner) Run(ctx context.Context) (*types.RunSummary, error) {
	summary := &types.RunSummary{RunID: uuid.NewString(), StartedAt: r.cfg.Clock.Now()}
	log := r.logger.With(zap.String("run_id", summary.RunID))

	if _, err := r.tokens.ValidateAtStartup(ctx); err != nil {
		summary.Aborted = err
		summary.Finished = r.cfg.Clock.Now()
		return summary, fmt.Errorf("credential validation failed before processing: %w", err)
	}

	rows, err := r.sheet.Rows(ctx)
	if err != nil {
		summary.Finished = r.cfg.Clock.Now()
		return summary, fmt.Errorf("failed to read rows: %w", err)
	}

	for _, row := range rows {
		if !r.isCandidate(row) {
			summary.Skipped++
			continue
		}

		summary.Processed++
		res := r.processRow(ctx, log, row)
		summary.Results = append(summary.Results, res)

		if res.Err == nil {
			summary.Published++
			continue
		}
		summary.Failed++
		if auth.IsFatal(res.Err) {
			log.Error("credential failure, stopping run", zap.Int("row", row.Index), zap.Error(res.Err))
			summary.Aborted = res.Err
			summary.Finished = r.cfg.Clock.Now()
			return summary, res.Err
		}
		log.Warn("row failed", zap.Int("row", row.Index), zap.Error(res.Err))
	}

	summary.Finished = r.cfg.Clock.Now()
	log.Info("run finished",
		zap.Int("processed", summary.Processed),
		zap.Int("published", summary.Published),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// isCandidate accepts unpublished rows dated from today up to the window.
func (r *Runner) isCandidate(row types.Row) bool {
	switch strings.ToLower(row.Get(types.ColumnStatus)) {
	case "", types.StatusPending:
	default:
		return false
	}
	if row.Get(types.ColumnTitle) == "" && row.Get(types.ColumnTopic) == "" {
		return false
	}

	now := r.cfg.Clock.Now()
	date, ok := parseDate(row.Get(types.ColumnDate), now.Location())
	if !ok {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !date.Before(today) && date.Before(today.Add(r.cfg.CandidateWindow))
}

func parseDate(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (r *Runner) processRow(ctx context.Context, log *zap.Logger, row types.Row) types.RowResult {
	res := types.RowResult{Row: row.Index, Title: row.Get(types.ColumnTitle)}
	log = log.With(zap.Int("row", row.Index))

	// Proactive check so a dead credential stops the run before content is generated.
	if _, err := r.tokens.AccessToken(ctx); err != nil {
		res.Err = err
		r.writeFailure(ctx, log, row, err)
		return res
	}

	ep, err := r.produce(ctx, row)
	if err != nil {
		res.Err = err
		r.writeFailure(ctx, log, row, err)
		return res
	}
	if res.Title == "" {
		res.Title = ep.Title
	}

	out, err := r.publish(ctx, ep)
	if err != nil {
		res.Err = err
		r.writeFailure(ctx, log, row, err)
		return res
	}

	res.EpisodeID = out.EpisodeID
	res.URL = out.URL
	if err := r.sheet.WriteRow(ctx, row.Index, map[string]string{
		types.ColumnStatus:      types.StatusPublished,
		types.ColumnEpisodeID:   out.EpisodeID,
		types.ColumnEpisodeURL:  out.URL,
		types.ColumnError:       "",
		types.ColumnProcessedAt: r.cfg.Clock.Now().Format(time.RFC3339),
	}); err != nil {
		log.Warn("episode published but sheet update failed", zap.String("episode_id", out.EpisodeID), zap.Error(err))
	}
	log.Info("episode published", zap.String("episode_id", out.EpisodeID))
	return res
}

func (r *Runner) produce(ctx context.Context, row types.Row) (types.UploadRequest, error) {
	topic := row.Get(types.ColumnTopic)
	title := row.Get(types.ColumnTitle)
	if topic == "" {
		topic = title
	}

	script, err := r.gen.Generate(ctx, []types.Message{
		{Role: "system", Content: "You write engaging, factual podcast scripts meant to be read aloud by a single host."},
		{Role: "user", Content: "Write the full episode script about: " + topic},
	}, r.cfg.Sampling)
	if err != nil {
		return types.UploadRequest{}, fmt.Errorf("script generation failed: %w", err)
	}

	description, err := r.gen.Generate(ctx, []types.Message{
		{Role: "system", Content: "You write concise podcast episode descriptions."},
		{Role: "user", Content: "Summarize this episode in two sentences:\n\n" + script},
	}, r.cfg.Sampling)
	if err != nil {
		return types.UploadRequest{}, fmt.Errorf("description generation failed: %w", err)
	}

	tagList, err := r.gen.Generate(ctx, []types.Message{
		{Role: "system", Content: "You pick short topical tags for podcast episodes."},
		{Role: "user", Content: fmt.Sprintf("List up to %d comma-separated tags for this episode:\n\n%s", maxTags, description)},
	}, r.cfg.Sampling)
	if err != nil {
		return types.UploadRequest{}, fmt.Errorf("tag generation failed: %w", err)
	}

	if title == "" {
		title = topic
	}

	path := filepath.Join(r.cfg.AudioDir, fmt.Sprintf("episode-%04d.mp3", row.Index))
	if err := r.synth.Synthesize(ctx, script, path); err != nil {
		return types.UploadRequest{}, fmt.Errorf("speech synthesis failed: %w", err)
	}

	date, _ := parseDate(row.Get(types.ColumnDate), r.cfg.Clock.Now().Location())
	return types.UploadRequest{
		ShowID:      r.cfg.ShowID,
		Title:       title,
		Description: strings.TrimSpace(description),
		Tags:        parseTags(tagList),
		AudioPath:   path,
		PublishAt:   date.UTC(),
	}, nil
}

// parseTags normalizes a generated tag list: lower case, no hash signs,
// no duplicates, at most maxTags entries.
func parseTags(s string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		tag := strings.ToLower(strings.Trim(strings.TrimSpace(field), "#.\"'"))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// publish uploads with a fresh token and retries once after the platform
// rejects it.
func (r *Runner) publish(ctx context.Context, req types.UploadRequest) (*types.UploadResult, error) {
	tok, err := r.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	out, err := r.uploadOnce(ctx, req, tok)
	var ue *types.UploadError
	if err == nil || !errors.As(err, &ue) || !ue.IsAuthFailure() {
		return out, err
	}

	r.logger.Info("upload rejected the access token, refreshing", zap.Int("status", ue.StatusCode))
	tok, err = r.tokens.RefreshAfterRejection(ctx, tok)
	if err != nil {
		return nil, err
	}
	return r.uploadOnce(ctx, req, tok)
}

func (r *Runner) uploadOnce(ctx context.Context, req types.UploadRequest, tok string) (*types.UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.UploadTimeout)
	defer cancel()
	req.AccessToken = tok
	return r.upload.Upload(ctx, req)
}

// writeFailure records cause on the row. Credential failures leave the row
// pending so the next run picks it up again.
func (r *Runner) writeFailure(ctx context.Context, log *zap.Logger, row types.Row, cause error) {
	msg := cause.Error()
	status := types.StatusFailed
	var ae *auth.AuthError
	if errors.As(cause, &ae) {
		status = types.StatusPending
		if ae.Remediation() != "" {
			msg += " (" + ae.Remediation() + ")"
		}
	}
	if err := r.sheet.WriteRow(ctx, row.Index, map[string]string{
		types.ColumnStatus:      status,
		types.ColumnError:       msg,
		types.ColumnProcessedAt: r.cfg.Clock.Now().Format(time.RFC3339),
	}); err != nil {
		log.Warn("failed to record row failure", zap.Error(err))
	}
}
