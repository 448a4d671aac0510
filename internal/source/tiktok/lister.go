package tiktok

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/source"
)

const defaultListTimeout = 600 * time.Second

// runResult 是一次 yt-dlp 调用的原始结果。
type runResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type runFunc func(ctx context.Context, profileURL string, maxCount int) (runResult, error)

// Lister 通过 yt-dlp 的 flat-playlist 模式列出账号主页的视频。
//
// 约束：
// - 不做缓存/过滤（由 fetcher 负责）
// - 单账号超时由 Timeout 控制；超时/非零退出都直接返回错误
type Lister struct {
	Executable string
	ProxyURL   string
	Timeout    time.Duration
	Log        *slog.Logger

	run runFunc // 测试注入
}

func (l *Lister) ListVideos(ctx context.Context, account domain.Account, maxCount int) ([]domain.RawVideoRecord, error) {
	if account == "" {
		return nil, errors.New("account 不能为空")
	}
	if maxCount <= 0 {
		return nil, fmt.Errorf("maxCount 非法：%d", maxCount)
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultListTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	run := l.run
	if run == nil {
		run = l.ytdlp
	}
	res, err := run(ctx, ProfileURL(account), maxCount)
	if cerr := ctx.Err(); cerr != nil {
		// 超时优先于进程退出码：被 kill 的 yt-dlp 通常也是非零退出。
		return nil, fmt.Errorf("list %s: %w", account, cerr)
	}
	if res.ExitCode != 0 {
		return nil, &source.ExitError{Account: string(account), ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", account, err)
	}

	recs, skipped := ParseListing(strings.NewReader(res.Stdout), account)
	if skipped > 0 && l.Log != nil {
		l.Log.Debug("tiktok: skipped unparseable listing lines", slog.String("account", string(account)), slog.Int("skipped", skipped))
	}
	if len(recs) > maxCount {
		recs = recs[:maxCount]
	}
	return recs, nil
}

func (l *Lister) ytdlp(ctx context.Context, profileURL string, maxCount int) (runResult, error) {
	cmd := ytdlp.New().
		FlatPlaylist().
		DumpJSON().
		NoWarnings().
		PlaylistItems("1:" + strconv.Itoa(maxCount))
	if l.Executable != "" {
		cmd.SetExecutable(l.Executable)
	}
	if l.ProxyURL != "" {
		cmd.Proxy(l.ProxyURL)
	}
	res, err := cmd.Run(ctx, profileURL)
	if res == nil {
		return runResult{}, err
	}
	return runResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, err
}

// ProfileURL 返回账号主页地址。
func ProfileURL(a domain.Account) string {
	return "https://www.tiktok.com/" + string(a)
}

// listingLine 对应 yt-dlp --dump-json 的一行。
type listingLine struct {
	ID           flexString `json:"id"`
	URL          string     `json:"url"`
	WebpageURL   string     `json:"webpage_url"`
	Timestamp    flexInt    `json:"timestamp"`
	UploadDate   string     `json:"upload_date"`
	ViewCount    flexInt    `json:"view_count"`
	LikeCount    flexInt    `json:"like_count"`
	CommentCount flexInt    `json:"comment_count"`
	RepostCount  flexInt    `json:"repost_count"`
	Track        string     `json:"track"`
	Artist       string     `json:"artist"`
	Artists      []string   `json:"artists"`
	MusicID      flexString `json:"music_id"`
}

// ParseListing 把 yt-dlp 的 JSON Lines 输出转换为视频记录。
// 无法解析或非视频链接的行被跳过并计数；返回顺序与输入一致。
func ParseListing(r io.Reader, account domain.Account) ([]domain.RawVideoRecord, int) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	out := make([]domain.RawVideoRecord, 0, 64)
	skipped := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ll listingLine
		if err := json.Unmarshal([]byte(line), &ll); err != nil {
			skipped++
			continue
		}
		rec, ok := ll.record(account)
		if !ok {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	return out, skipped
}

func (ll listingLine) record(account domain.Account) (domain.RawVideoRecord, bool) {
	u := strings.TrimSpace(ll.WebpageURL)
	if u == "" {
		u = strings.TrimSpace(ll.URL)
	}
	if u == "" && ll.ID != "" {
		u = "https://www.tiktok.com/" + string(account) + "/video/" + string(ll.ID)
	}
	if !isVideoURL(u) {
		return domain.RawVideoRecord{}, false
	}

	artist := strings.TrimSpace(ll.Artist)
	if artist == "" && len(ll.Artists) > 0 {
		artist = strings.TrimSpace(ll.Artists[0])
	}
	if artist == "" {
		artist = "Unknown"
	}

	rec := domain.RawVideoRecord{
		URL:          u,
		Account:      account,
		TrackTitle:   strings.TrimSpace(ll.Track),
		ArtistName:   artist,
		ViewCount:    int64(ll.ViewCount),
		LikeCount:    int64(ll.LikeCount),
		CommentCount: int64(ll.CommentCount),
		ShareCount:   int64(ll.RepostCount),
	}
	if ll.Timestamp > 0 {
		t := time.Unix(int64(ll.Timestamp), 0).UTC()
		rec.UploadedAt = &t
	}
	if d := strings.TrimSpace(ll.UploadDate); len(d) == 8 {
		if _, err := time.Parse("20060102", d); err == nil {
			rec.UploadDate = d
		}
	}
	if id := strings.TrimSpace(string(ll.MusicID)); id != "" {
		rec.RawSoundID = &id
	}
	return rec, true
}

func isVideoURL(u string) bool {
	if !strings.Contains(u, "tiktok.com/") {
		return false
	}
	return strings.Contains(u, "/video/") || strings.Contains(u, "/photo/")
}

// flexInt 接受 number / 数字字符串 / null（null 记为 0）。
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexInt(int64(v))
	return nil
}

// flexString 接受 string / number（保留数字原文，避免大整数丢精度）/ null。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(v))
		return nil
	}
	*f = flexString(s)
	return nil
}
