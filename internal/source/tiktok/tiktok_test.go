package tiktok

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Risingtides-dev/jake/internal/domain"
	"github.com/Risingtides-dev/jake/internal/source"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	return b
}

func TestParseListing_Fixture(t *testing.T) {
	f, err := os.Open(filepath.Join("testdata", "listing.jsonl"))
	if err != nil {
		t.Fatalf("读取 fixture 失败：%v", err)
	}
	defer f.Close()

	recs, skipped := ParseListing(f, "@acct1")
	if len(recs) != 4 || skipped != 2 {
		t.Fatalf("期望 4 条记录、跳过 2 行，实际 %d / %d", len(recs), skipped)
	}

	r0 := recs[0]
	if r0.URL != "https://www.tiktok.com/@acct1/video/7420011122233344455" || r0.Account != "@acct1" {
		t.Fatalf("URL/账号不正确：%+v", r0)
	}
	if r0.TrackTitle != "Fade Out (Slowed)" || r0.ArtistName != "Kami Kehoe" {
		t.Fatalf("track/artist 不正确：%q / %q", r0.TrackTitle, r0.ArtistName)
	}
	if r0.ViewCount != 5400 || r0.LikeCount != 120 || r0.CommentCount != 9 || r0.ShareCount != 4 {
		t.Fatalf("计数不正确：%+v", r0)
	}
	if r0.UploadedAt == nil || r0.UploadedAt.Unix() != 1727800000 || r0.UploadDate != "20241001" {
		t.Fatalf("时间不正确：%v %q", r0.UploadedAt, r0.UploadDate)
	}
	if domain.StrVal(r0.RawSoundID) != "7548164346728254239" {
		t.Fatalf("raw sound id 不正确：%v", r0.RawSoundID)
	}

	if recs[1].UploadedAt != nil || recs[1].UploadDate != "20240915" || recs[1].ArtistName != "Someone" {
		t.Fatalf("仅日期记录不正确：%+v", recs[1])
	}
	if recs[2].URL != "https://www.tiktok.com/@acct1/video/7400000000000000002" {
		t.Fatalf("缺少 url 时应按 id 拼接：%q", recs[2].URL)
	}
	if recs[2].ArtistName != "Unknown" || recs[2].ViewCount != 0 || recs[2].RawSoundID != nil {
		t.Fatalf("缺省字段不正确：%+v", recs[2])
	}
	if recs[3].ViewCount != 77 || domain.StrVal(recs[3].RawSoundID) != "7300000000000000001" {
		t.Fatalf("字符串数字/大整数未正确解析：%+v", recs[3])
	}
}

func TestLister_UsesRunResult(t *testing.T) {
	var gotURL string
	var gotMax int
	l := &Lister{run: func(ctx context.Context, profileURL string, maxCount int) (runResult, error) {
		gotURL, gotMax = profileURL, maxCount
		return runResult{Stdout: string(readFixture(t, "listing.jsonl"))}, nil
	}}

	recs, err := l.ListVideos(context.Background(), "@acct1", 2)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if gotURL != "https://www.tiktok.com/@acct1" || gotMax != 2 {
		t.Fatalf("调用参数不正确：%q %d", gotURL, gotMax)
	}
	if len(recs) != 2 {
		t.Fatalf("结果应截断到 maxCount，实际 %d", len(recs))
	}
}

func TestLister_NonZeroExit(t *testing.T) {
	l := &Lister{run: func(ctx context.Context, profileURL string, maxCount int) (runResult, error) {
		return runResult{ExitCode: 1, Stderr: "ERROR: [TikTok] acct1: Unable to extract secondary user ID"}, errors.New("exit status 1")
	}}
	_, err := l.ListVideos(context.Background(), "@acct1", 10)
	var ee *source.ExitError
	if !errors.As(err, &ee) {
		t.Fatalf("期望 *source.ExitError，实际 %T %v", err, err)
	}
	if ee.ExitCode != 1 || !strings.Contains(ee.Error(), "secondary user ID") {
		t.Fatalf("ExitError 内容不正确：%v", ee)
	}
}

func TestLister_Timeout(t *testing.T) {
	l := &Lister{
		Timeout: 20 * time.Millisecond,
		run: func(ctx context.Context, profileURL string, maxCount int) (runResult, error) {
			<-ctx.Done()
			return runResult{ExitCode: -1}, ctx.Err()
		},
	}
	_, err := l.ListVideos(context.Background(), "@acct1", 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("期望超时错误，实际 %v", err)
	}
}

func TestLister_InvalidArgs(t *testing.T) {
	l := &Lister{}
	if _, err := l.ListVideos(context.Background(), "", 10); err == nil {
		t.Fatalf("空账号应报错")
	}
	if _, err := l.ListVideos(context.Background(), "@a", 0); err == nil {
		t.Fatalf("maxCount=0 应报错")
	}
}

func TestParseVideoDetail(t *testing.T) {
	cases := []struct {
		file      string
		wantID    string
		wantTitle string
	}{
		{"video_detail.html", "7548164346728254239", "Fade Out (Slowed)"},
		{"video_detail_numeric_id.html", "7300000000000000001", "original sound - acct1"},
		{"video_detail_sigi.html", "6999999999999999999", "Song Title"},
		{"video_detail_no_music.html", "", ""},
	}
	for _, c := range cases {
		m, err := ParseVideoDetail(readFixture(t, c.file))
		if err != nil {
			t.Fatalf("%s: 不期望错误：%v", c.file, err)
		}
		if m.ID != c.wantID || m.Title != c.wantTitle {
			t.Fatalf("%s: 期望 %q/%q，实际 %q/%q", c.file, c.wantID, c.wantTitle, m.ID, m.Title)
		}
	}
}

func TestParseVideoDetail_Malformed(t *testing.T) {
	for _, html := range [][]byte{
		readFixture(t, "video_detail_broken.html"),
		[]byte("<html><body>Please verify you are human</body></html>"),
		readFixture(t, "music_detail.html"),
	} {
		if _, err := ParseVideoDetail(html); !errors.Is(err, source.ErrMalformed) {
			t.Fatalf("期望 ErrMalformed，实际 %v", err)
		}
	}
}

func TestParseMusicDetail(t *testing.T) {
	m, err := ParseMusicDetail(readFixture(t, "music_detail.html"))
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	want := domain.MusicInfo{ID: "7548164346728254239", Title: "Fade Out", Author: "Kami Kehoe"}
	if m != want {
		t.Fatalf("期望 %+v，实际 %+v", want, m)
	}
	if _, err := ParseMusicDetail(readFixture(t, "video_detail.html")); !errors.Is(err, source.ErrMalformed) {
		t.Fatalf("详情页当作声音页解析应报 ErrMalformed，实际 %v", err)
	}
}

func TestDetail_HTTP(t *testing.T) {
	page := readFixture(t, "video_detail.html")
	mux := http.NewServeMux()
	mux.HandleFunc("/@acct1/video/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(page)
	})
	mux.HandleFunc("/@acct1/video/404", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/@acct1/video/blocked", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login?redirect_url=x", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s, err := New(Options{Client: srv.Client()})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	ctx := context.Background()

	id, title, err := s.ResolveSoundID(ctx, srv.URL+"/@acct1/video/1")
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if domain.StrVal(id) != "7548164346728254239" || domain.StrVal(title) != "Fade Out (Slowed)" {
		t.Fatalf("解析结果不正确：%v %v", domain.StrVal(id), domain.StrVal(title))
	}

	_, _, err = s.ResolveSoundID(ctx, srv.URL+"/@acct1/video/404")
	var hs *source.HTTPStatusError
	if !errors.As(err, &hs) || hs.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 HTTP 404 错误，实际 %v", err)
	}
	if source.IsTransient(err) {
		t.Fatalf("HTTP 404 不应视为瞬时错误")
	}

	_, _, err = s.ResolveSoundID(ctx, srv.URL+"/@acct1/video/blocked")
	var be *source.BlockedError
	if !errors.As(err, &be) {
		t.Fatalf("期望 BlockedError，实际 %v", err)
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("缺少 http client 应报错")
	}
	s, err := New(Options{Client: http.DefaultClient})
	if err != nil || s.Name() != "tiktok" {
		t.Fatalf("New 失败：%v", err)
	}
}
