package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/wecom-gateway/internal/config"
	"github.com/mattjoyce/wecom-gateway/internal/message"
	"github.com/mattjoyce/wecom-gateway/internal/msgcrypt"
)

type simulateOptions struct {
	user      string
	text      string
	challenge bool
	target    string
	send      bool
}

func simulateCmd(configPath *string) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Build a signed and encrypted callback as the platform would send it",
		Long: "simulate builds a verification challenge or an encrypted text-message callback " +
			"using the configured token and key. With --send it is posted to --target.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runSimulate(cmd.OutOrStdout(), cfg, opts, time.Now())
		},
	}
	cmd.Flags().StringVar(&opts.user, "user", "simulator", "sender user id")
	cmd.Flags().StringVar(&opts.text, "text", "hello", "message text")
	cmd.Flags().BoolVar(&opts.challenge, "challenge", false, "build a URL verification request instead of a message")
	cmd.Flags().StringVar(&opts.target, "target", "", "gateway base URL (default: http://<service.listen>)")
	cmd.Flags().BoolVar(&opts.send, "send", false, "send the request and print the response")
	return cmd
}

func runSimulate(out io.Writer, cfg *config.Config, opts simulateOptions, now time.Time) error {
	crypter, err := msgcrypt.New(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
	if err != nil {
		return err
	}

	target := opts.target
	if target == "" {
		target = "http://" + strings.Replace(cfg.Service.Listen, "0.0.0.0", "127.0.0.1", 1)
	}
	target = strings.TrimRight(target, "/") + "/webhooks/" + cfg.WeCom.Channel

	timestamp := strconv.FormatInt(now.Unix(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]

	var (
		method string
		body   []byte
		query  = url.Values{"timestamp": {timestamp}, "nonce": {nonce}}
	)

	if opts.challenge {
		echo, err := crypter.Encrypt(strconv.FormatInt(now.UnixNano(), 10))
		if err != nil {
			return err
		}
		method = http.MethodGet
		query.Set("echostr", echo)
		query.Set("msg_signature", crypter.Sign(timestamp, nonce, echo))
	} else {
		plain, err := message.TextXML(crypter.CorpID(), opts.user, opts.text,
			strconv.FormatInt(now.UnixNano(), 10), cfg.WeCom.AgentID, now.Unix())
		if err != nil {
			return err
		}
		body, err = message.EncryptedReply(crypter, string(plain), timestamp, nonce)
		if err != nil {
			return err
		}
		encrypted, err := message.ExtractEncrypt(body)
		if err != nil {
			return err
		}
		method = http.MethodPost
		query.Set("msg_signature", crypter.Sign(timestamp, nonce, encrypted))
	}

	reqURL := target + "?" + query.Encode()
	fmt.Fprintf(out, "%s %s\n", method, reqURL)
	if len(body) > 0 {
		fmt.Fprintf(out, "\n%s\n", body)
	}
	if !opts.send {
		return nil
	}

	req, err := http.NewRequest(method, reqURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/xml")
	}
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	fmt.Fprintf(out, "\n%s\n%s\n", resp.Status, respBody)
	return nil
}
