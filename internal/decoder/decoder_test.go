package decoder

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yydsdd211/xybot/internal/event"
	"github.com/yydsdd211/xybot/internal/protocol"
	"github.com/yydsdd211/xybot/internal/store"
)

// mockDownloader records calls and serves canned payloads.
type mockDownloader struct {
	image  []byte
	voice  []byte
	video  []byte
	attach []byte
	err    error

	imageCalls  int
	attachTotal int
}

func (m *mockDownloader) CdnDownloadImg(ctx context.Context, aesKey, fileURL string) ([]byte, error) {
	m.imageCalls++
	return m.image, m.err
}

func (m *mockDownloader) DownloadVoice(ctx context.Context, msgID int64, voiceURL string, length int) ([]byte, error) {
	return m.voice, m.err
}

func (m *mockDownloader) DownloadVideo(ctx context.Context, msgID int64) ([]byte, error) {
	return m.video, m.err
}

func (m *mockDownloader) DownloadAttach(ctx context.Context, attachID string, totalLen int) ([]byte, error) {
	m.attachTotal = totalLen
	return m.attach, m.err
}

// passthroughTranscoder skips ffmpeg in tests.
type passthroughTranscoder struct{}

func (passthroughTranscoder) Transcode(ctx context.Context, silk []byte) ([]byte, error) {
	return silk, nil
}

func newTestDecoder(dl *mockDownloader) *Decoder {
	return New("wxid_bot", dl, passthroughTranscoder{}, nil)
}

func textFrame(from, to, content, source string) protocol.Frame {
	return protocol.Frame{
		MsgID:      100,
		NewMsgID:   200,
		CreateTime: 1700000000,
		MsgType:    1,
		Content:    protocol.StringValue{String: content},
		FromUser:   protocol.StringValue{String: from},
		ToWxid:     protocol.StringValue{String: to},
		MsgSource:  source,
	}
}

func TestDecodeDirectText(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	ev, err := d.Decode(context.Background(), textFrame("wxid_peer", "wxid_bot", "hello", ""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindText {
		t.Errorf("Kind = %s, want text", ev.Kind)
	}
	if ev.FromConv != "wxid_peer" || ev.Sender != "wxid_peer" {
		t.Errorf("FromConv = %s, Sender = %s", ev.FromConv, ev.Sender)
	}
	if ev.IsGroup {
		t.Error("direct message flagged as group")
	}
	if ev.Text != "hello" {
		t.Errorf("Text = %q", ev.Text)
	}
}

func TestDecodeGroupTextSplitsSender(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	f := textFrame("123@chatroom", "wxid_bot", "wxid_member:\nhi all", "")
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !ev.IsGroup {
		t.Error("group message not flagged")
	}
	if ev.FromConv != "123@chatroom" {
		t.Errorf("FromConv = %s", ev.FromConv)
	}
	if ev.Sender != "wxid_member" {
		t.Errorf("Sender = %s, want wxid_member", ev.Sender)
	}
	if ev.Text != "hi all" {
		t.Errorf("Text = %q, want %q", ev.Text, "hi all")
	}
}

func TestDecodeAtMention(t *testing.T) {
	source := `<msgsource><atuserlist>wxid_other,wxid_bot</atuserlist></msgsource>`
	d := newTestDecoder(&mockDownloader{})

	ev, err := d.Decode(context.Background(), textFrame("123@chatroom", "wxid_bot", "wxid_member:\n@bot hey", source))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindAt {
		t.Errorf("Kind = %s, want at (bot mentioned)", ev.Kind)
	}
	if len(ev.AtList) != 2 {
		t.Errorf("AtList = %v", ev.AtList)
	}

	// Mention of someone else stays a plain text event.
	source = `<msgsource><atuserlist>wxid_other</atuserlist></msgsource>`
	ev, err = d.Decode(context.Background(), textFrame("123@chatroom", "wxid_bot", "wxid_member:\n@other hey", source))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindText {
		t.Errorf("Kind = %s, want text", ev.Kind)
	}
}

func TestDecodeSelfSentInversion(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	ev, err := d.Decode(context.Background(), textFrame("wxid_bot", "wxid_peer", "from my phone", ""))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.FromConv != "wxid_peer" {
		t.Errorf("FromConv = %s, want the conversation id wxid_peer", ev.FromConv)
	}
}

func TestDecodeImage(t *testing.T) {
	dl := &mockDownloader{image: []byte{0xFF, 0xD8}}
	d := newTestDecoder(dl)
	f := protocol.Frame{
		MsgID:    101,
		MsgType:  3,
		Content:  protocol.StringValue{String: `  <msg><img aeskey="k1" cdnmidimgurl="u1"/></msg>`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindImage {
		t.Errorf("Kind = %s", ev.Kind)
	}
	if ev.AESKey != "k1" || ev.CDNURL != "u1" {
		t.Errorf("AESKey = %s, CDNURL = %s", ev.AESKey, ev.CDNURL)
	}
	if len(ev.ImageBytes) != 2 {
		t.Errorf("ImageBytes = %v", ev.ImageBytes)
	}
	if dl.imageCalls != 1 {
		t.Errorf("download calls = %d", dl.imageCalls)
	}
}

func TestDecodeImageDownloadFailureDowngrades(t *testing.T) {
	dl := &mockDownloader{err: errors.New("cdn gone")}
	d := newTestDecoder(dl)
	f := protocol.Frame{
		MsgID:    102,
		MsgType:  3,
		Content:  protocol.StringValue{String: `<msg><img aeskey="k1" cdnmidimgurl="u1"/></msg>`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("download failure should not fail the decode: %v", err)
	}
	if ev == nil || ev.Kind != event.KindImage {
		t.Fatalf("ev = %+v", ev)
	}
	if len(ev.ImageBytes) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(ev.ImageBytes))
	}
}

func TestDecodeVoiceInlineBuffer(t *testing.T) {
	silk := []byte("silk-data")
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    103,
		MsgType:  34,
		Content:  protocol.StringValue{String: `<msg><voicemsg voiceurl="v1" length="9"/></msg>`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
		ImgBuf:   &protocol.BufferValue{Len: len(silk), Buffer: base64.StdEncoding.EncodeToString(silk)},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindVoice {
		t.Errorf("Kind = %s", ev.Kind)
	}
	if string(ev.WAVBytes) != "silk-data" {
		t.Errorf("WAVBytes = %q, want inline buffer", ev.WAVBytes)
	}
}

func TestDecodeVoiceRemoteFetch(t *testing.T) {
	dl := &mockDownloader{voice: []byte("remote-silk")}
	d := newTestDecoder(dl)
	f := protocol.Frame{
		MsgID:    104,
		MsgType:  34,
		Content:  protocol.StringValue{String: `<msg><voicemsg voiceurl="v1" length="11"/></msg>`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(ev.WAVBytes) != "remote-silk" {
		t.Errorf("WAVBytes = %q", ev.WAVBytes)
	}
}

func TestDecodeQuote(t *testing.T) {
	content := `<msg><appmsg><type>57</type><title>replying here</title>` +
		`<refermsg><type>1</type><svrid>777</svrid><fromusr>123@chatroom</fromusr>` +
		`<chatusr>wxid_original</chatusr><displayname>Alice</displayname>` +
		`<content>original words</content></refermsg></appmsg></msg>`
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    105,
		MsgType:  49,
		Content:  protocol.StringValue{String: content},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindQuote {
		t.Fatalf("Kind = %s", ev.Kind)
	}
	if ev.Text != "replying here" {
		t.Errorf("Text = %q", ev.Text)
	}
	q := ev.Quoted
	if q == nil {
		t.Fatal("Quoted is nil")
	}
	if q.Kind != event.KindText || q.Text != "original words" {
		t.Errorf("quoted = %+v", q)
	}
	if q.MsgID != 777 || q.Sender != "wxid_original" {
		t.Errorf("quoted ids = %+v", q)
	}
}

func TestDecodeQuoteOfQuote(t *testing.T) {
	inner := `<msg><appmsg><type>57</type><title>middle text</title>` +
		`<refermsg><type>1</type><svrid>555</svrid><fromusr>wxid_root</fromusr>` +
		`<chatusr>wxid_root</chatusr><content>root words</content></refermsg></appmsg></msg>`
	escaped := strings.NewReplacer("<", "&lt;", ">", "&gt;").Replace(inner)
	content := `<msg><appmsg><type>57</type><title>top reply</title>` +
		`<refermsg><type>49</type><svrid>666</svrid><fromusr>wxid_mid</fromusr>` +
		`<chatusr>wxid_mid</chatusr><content>` + escaped + `</content></refermsg></appmsg></msg>`
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    113,
		MsgType:  49,
		Content:  protocol.StringValue{String: content},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Text != "top reply" {
		t.Errorf("Text = %q", ev.Text)
	}

	q := ev.Quoted
	if q == nil {
		t.Fatal("Quoted is nil")
	}
	if q.Kind != event.KindQuote || q.MsgID != 666 {
		t.Errorf("quoted = %+v", q)
	}
	// The middle quote must carry its title, not the raw payload.
	if q.Text != "middle text" {
		t.Errorf("quoted text = %q", q.Text)
	}

	qq := q.Quoted
	if qq == nil {
		t.Fatal("inner Quoted is nil")
	}
	if qq.Kind != event.KindText || qq.Text != "root words" || qq.MsgID != 555 {
		t.Errorf("inner quoted = %+v", qq)
	}
}

func TestDecodeFileAttachment(t *testing.T) {
	dl := &mockDownloader{attach: []byte("file-bytes")}
	d := newTestDecoder(dl)
	content := `<msg><appmsg><type>6</type><title>report.pdf</title>` +
		`<appattach><totallen>10</totallen><attachid>att-1</attachid><fileext>pdf</fileext></appattach>` +
		`</appmsg></msg>`
	f := protocol.Frame{
		MsgID:    106,
		MsgType:  49,
		Content:  protocol.StringValue{String: content},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindFile || ev.Filename != "report.pdf" || ev.Ext != "pdf" {
		t.Errorf("ev = %+v", ev)
	}
	if dl.attachTotal != 10 {
		t.Errorf("attach total = %d", dl.attachTotal)
	}
	if string(ev.FileBytes) != "file-bytes" {
		t.Errorf("FileBytes = %q", ev.FileBytes)
	}
}

func TestDecodeUploadInProgressIgnored(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    107,
		MsgType:  49,
		Content:  protocol.StringValue{String: `<msg><appmsg><type>74</type><title>x</title></appmsg></msg>`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev != nil {
		t.Errorf("upload-in-progress should emit nothing, got %+v", ev)
	}
}

func TestDecodePat(t *testing.T) {
	content := `<sysmsg type="pat"><pat><fromusername>wxid_patter</fromusername>` +
		`<pattedusername>wxid_bot</pattedusername><template>tickled</template></pat></sysmsg>`
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    108,
		MsgType:  10002,
		Content:  protocol.StringValue{String: "123@chatroom:\n" + content},
		FromUser: protocol.StringValue{String: "123@chatroom"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindPat {
		t.Fatalf("Kind = %s", ev.Kind)
	}
	if ev.Patter != "wxid_patter" || ev.Patted != "wxid_bot" {
		t.Errorf("pat = %+v", ev)
	}
}

func TestDecodeSystemOther(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    109,
		MsgType:  10002,
		Content:  protocol.StringValue{String: `<sysmsg type="revokemsg"><revokemsg/></sysmsg>`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindSystem || ev.Subtype != "revokemsg" {
		t.Errorf("ev = %+v", ev)
	}
}

func TestDecodeFriendRequest(t *testing.T) {
	content := `<msg fromusername="wxid_new" encryptusername="v1stamp" content="hi please add" scene="17" ticket="v2stamp"/>`
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    110,
		MsgType:  37,
		Content:  protocol.StringValue{String: content},
		FromUser: protocol.StringValue{String: "fmessage"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	ev, err := d.Decode(context.Background(), f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != event.KindFriendRequest {
		t.Fatalf("Kind = %s", ev.Kind)
	}
	if ev.Scene != 17 || ev.V1 != "v1stamp" || ev.V2 != "v2stamp" {
		t.Errorf("ev = %+v", ev)
	}
	if ev.Sender != "wxid_new" {
		t.Errorf("Sender = %s", ev.Sender)
	}
}

func TestDecodeIgnoredTypes(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	for _, msgType := range []int{51, 9999} {
		f := protocol.Frame{
			MsgID:    111,
			MsgType:  msgType,
			FromUser: protocol.StringValue{String: "wxid_peer"},
			ToWxid:   protocol.StringValue{String: "wxid_bot"},
		}
		ev, err := d.Decode(context.Background(), f)
		if err != nil {
			t.Errorf("type %d: %v", msgType, err)
		}
		if ev != nil {
			t.Errorf("type %d: expected no event, got %+v", msgType, ev)
		}
	}
}

func TestDecodeMalformedXML(t *testing.T) {
	d := newTestDecoder(&mockDownloader{})
	f := protocol.Frame{
		MsgID:    112,
		MsgType:  3,
		Content:  protocol.StringValue{String: `not xml at all`},
		FromUser: protocol.StringValue{String: "wxid_peer"},
		ToWxid:   protocol.StringValue{String: "wxid_bot"},
	}
	_, err := d.Decode(context.Background(), f)
	var apiErr *protocol.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != protocol.CodeDecode {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestDecodeLogsFrameTimestamp(t *testing.T) {
	m, err := store.OpenMsgLog(filepath.Join(t.TempDir(), "message.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	d := New("wxid_bot", &mockDownloader{}, passthroughTranscoder{}, m)
	if _, err := d.Decode(context.Background(), textFrame("wxid_peer", "wxid_bot", "hello", "")); err != nil {
		t.Fatal(err)
	}

	got, err := m.Query(store.LogFilter{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d, want 1", len(got))
	}
	if got[0].TS.Unix() != 1700000000 {
		t.Errorf("ts = %d, want frame create time 1700000000", got[0].TS.Unix())
	}

	// A fresh timestamp means retention pruning leaves the row alone.
	if n, err := m.Prune(time.Unix(1700000000, 0)); err != nil || n != 0 {
		t.Errorf("prune = %d, %v, want 0 rows removed", n, err)
	}
}
