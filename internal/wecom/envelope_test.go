package wecom

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_StreamPoll(t *testing.T) {
	env, err := ParseEnvelope(`{"msgid":"m1","chattype":"single","from":{"userid":"zhangsan"},"msgtype":"stream","stream":{"id":"abc"}}`)
	require.NoError(t, err)
	assert.Equal(t, "m1", env.MsgID)
	assert.Equal(t, MsgTypeStream, env.MsgType)
	assert.Equal(t, "abc", env.StreamID())
	assert.False(t, env.IsGroup())
	assert.Equal(t, "user:zhangsan", env.Source())
}

func TestParseEnvelope_Invalid(t *testing.T) {
	_, err := ParseEnvelope("not json")
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestParseEncrypted(t *testing.T) {
	enc, err := ParseEncrypted([]byte(`  {"encrypt":"QUJD"} `))
	require.NoError(t, err)
	assert.Equal(t, "QUJD", enc)

	for _, body := range []string{"", "encrypt=abc", `{"encrypt":""}`, `{"other":1}`, `{broken`} {
		_, err := ParseEncrypted([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedEnvelope, "body %q", body)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		isGroup bool
		want    string
	}{
		{
			name: "plain text",
			env:  Envelope{MsgType: MsgTypeText, Text: &TextContent{Content: "  hello  "}},
			want: "hello",
		},
		{
			name:    "group mention stripped",
			env:     Envelope{MsgType: MsgTypeText, Text: &TextContent{Content: "@bot what time is it"}},
			isGroup: true,
			want:    "what time is it",
		},
		{
			name: "direct chat keeps at sign",
			env:  Envelope{MsgType: MsgTypeText, Text: &TextContent{Content: "mail me at a@b.com"}},
			want: "mail me at a@b.com",
		},
		{
			name: "voice transcript",
			env:  Envelope{MsgType: MsgTypeVoice, Voice: &TextContent{Content: " 你好 "}},
			want: "你好",
		},
		{
			name: "mixed keeps text parts only",
			env: Envelope{MsgType: MsgTypeMixed, Mixed: &MixedContent{Items: []MixedItem{
				{MsgType: MsgTypeText, Text: &TextContent{Content: "@bot look"}},
				{MsgType: MsgTypeImage, Image: &MediaContent{URL: "https://example.com/x"}},
				{MsgType: MsgTypeText, Text: &TextContent{Content: "at this"}},
			}}},
			isGroup: true,
			want:    "look at this",
		},
		{
			name: "image yields nothing",
			env:  Envelope{MsgType: MsgTypeImage, Image: &MediaContent{URL: "https://example.com/x"}},
			want: "",
		},
		{
			name: "missing payload",
			env:  Envelope{MsgType: MsgTypeText},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(&tt.env, tt.isGroup))
		})
	}
}

func TestSeal_RoundTrip(t *testing.T) {
	c := testCodec(t, "")
	now := time.Unix(1700000000, 0)
	sealed, err := c.Seal(NewStreamReply("sid", false, "思考中..."), "nonce-x", now)
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000), sealed.Timestamp)
	assert.Equal(t, "nonce-x", sealed.Nonce)
	assert.True(t, c.VerifySignature(sealed.MsgSignature, strconv.FormatInt(sealed.Timestamp, 10), sealed.Nonce, sealed.Encrypt))

	plain, _, err := c.Decrypt(sealed.Encrypt)
	require.NoError(t, err)
	var reply StreamReply
	require.NoError(t, json.Unmarshal([]byte(plain), &reply))
	assert.Equal(t, "stream", reply.MsgType)
	assert.Equal(t, "sid", reply.Stream.ID)
	assert.False(t, reply.Stream.Finish)
	assert.Equal(t, "思考中...", reply.Stream.Content)
}
