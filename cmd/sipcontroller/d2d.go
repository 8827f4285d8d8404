package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dense-identity/callcore/internal/d2d"
)

var d2dCmd = &cobra.Command{
	Use:   "d2d",
	Short: "Inspect device-to-device message encodings",
}

var d2dEncodeCmd = &cobra.Command{
	Use:     "encode <type=value>...",
	Short:   "Print the DTMF and RTP header extension encodings of messages",
	Example: "  sipcontroller d2d encode rat=lte battery=low",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := parseMessages(args)
		if err != nil {
			return err
		}
		return printEncodings(cmd.OutOrStdout(), msgs)
	},
}

var d2dDecodeCmd = &cobra.Command{
	Use:   "decode <digits>",
	Short: "Decode a DTMF digit stream into messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		msgs := d2d.DecodeDtmf(args[0])
		if len(msgs) == 0 {
			return errors.Errorf("no messages in %q", args[0])
		}
		for _, m := range msgs {
			fmt.Fprintln(out, m)
		}
		return nil
	},
}

func init() {
	d2dCmd.AddCommand(d2dEncodeCmd, d2dDecodeCmd)
}

func parseMessages(args []string) ([]d2d.Message, error) {
	msgs := make([]d2d.Message, 0, len(args))
	for _, a := range args {
		m, err := d2d.ParseMessage(a)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func printEncodings(out io.Writer, msgs []d2d.Message) error {
	digits, err := d2d.EncodeDtmf(msgs...)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "dtmf: %s\n", digits)

	codec := d2d.NewRtpCodec()
	var h rtp.Header
	if err := codec.Encode(&h, msgs); err != nil {
		return err
	}
	for _, id := range []uint8{codec.CallStateID, codec.DeviceStateID} {
		if b := h.GetExtension(id); b != nil {
			fmt.Fprintf(out, "rtp ext %d: %s\n", id, hex.EncodeToString(b))
		}
	}
	return nil
}
