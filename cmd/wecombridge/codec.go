package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wecombridge/internal/wecom"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Debugging helpers for reproducing platform callbacks by hand.

func loadCodec() (*wecom.Codec, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return wecom.NewCodec(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.ReceiverID)
}

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign [timestamp] [nonce] [payload]",
		Short: "Compute the msg_signature for a callback",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			fmt.Println(codec.Sign(args[0], args[1], args[2]))
			return nil
		},
	}
}

func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt [ciphertext]",
		Short: "Decrypt an echostr or encrypt field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			msg, rid, err := codec.Decrypt(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			if rid != "" {
				fmt.Printf("receiver: %s\n", rid)
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func encryptCmd() *cobra.Command {
	var timestamp int64
	var nonce string
	cmd := &cobra.Command{
		Use:   "encrypt [plaintext]",
		Short: "Seal plaintext into a signed callback body",
		Long: "Encrypts plaintext the way the platform does and prints the JSON body together\n" +
			"with the query parameters needed to POST it to the callback URL.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			if timestamp == 0 {
				timestamp = time.Now().Unix()
			}
			if nonce == "" {
				nonce = strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
			}
			ciphertext, err := codec.Encrypt(args[0])
			if err != nil {
				return err
			}
			ts := strconv.FormatInt(timestamp, 10)
			body, _ := json.Marshal(map[string]string{"encrypt": ciphertext})
			fmt.Printf("?msg_signature=%s&timestamp=%s&nonce=%s\n", codec.Sign(ts, nonce, ciphertext), ts, nonce)
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "timestamp to sign with (default: now)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "nonce to sign with (default: random)")
	return cmd
}
