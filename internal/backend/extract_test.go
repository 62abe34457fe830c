package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractReply(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   string
		wantOK bool
	}{
		{
			name:   "plain json",
			stdout: `{"result":{"payloads":[{"text":"你好，有什么可以帮你？"}]}}`,
			want:   "你好，有什么可以帮你？",
			wantOK: true,
		},
		{
			name: "logs before json",
			stdout: "[agent] loading session U1\n[agent] model ready\n" +
				`{"status":"ok","result":{"payloads":[{"text":"hello back","mediaUrl":null}]}}` + "\n",
			want:   "hello back",
			wantOK: true,
		},
		{
			name:   "escaped newlines and quotes",
			stdout: `{"text": "line one\nline \"two\"\\end"}`,
			want:   "line one\nline \"two\"\\end",
			wantOK: true,
		},
		{
			name:   "unicode escapes",
			stdout: `{"text":"\u4f60\u597d"}`,
			want:   "你好",
			wantOK: true,
		},
		{
			name:   "first text wins",
			stdout: `{"payloads":[{"text":"first"},{"text":"second"}]}`,
			want:   "first",
			wantOK: true,
		},
		{
			name:   "invalid escape falls back",
			stdout: `{"text":"bad \q escape\nnext"}`,
			want:   "bad \\q escape\nnext",
			wantOK: true,
		},
		{
			name:   "blank text",
			stdout: `{"text":"   "}`,
			wantOK: false,
		},
		{
			name:   "no text member",
			stdout: `{"status":"ok","payloads":[]}`,
			wantOK: false,
		},
		{
			name:   "empty output",
			stdout: "",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractReply([]byte(tt.stdout))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
