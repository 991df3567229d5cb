// framedump reads tracker traffic on stdin, runs it through one of
// the protocol codecs and prints the decoded frames.  The input is a
// hex dump by default (whitespace is ignored), or raw bytes with
// --raw, so a capture taken with tcpdump or copied from a device log
// can be replayed against a codec without standing up the gateway.
//
// For example:
//
//	$ echo '2a48512c313233343536373839303132332c56312c3133303330352c412c323233342e303030302c4e2c31313430382e303030302c452c3030302e31302c3030302c3133303531352c464646464642464623' | framedump -p h02
//	position 1234567890123: 2015-05-13 13:03:05 +0000 UTC lat 22.566667 lon 114.133333 speed 0.2 km/h course 0 valid ignition on
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/fleetlink/fleetlink/protocol"

	_ "github.com/fleetlink/fleetlink/protocol/flespi"
	_ "github.com/fleetlink/fleetlink/protocol/gps103"
	_ "github.com/fleetlink/fleetlink/protocol/gt06"
	_ "github.com/fleetlink/fleetlink/protocol/h02"
	_ "github.com/fleetlink/fleetlink/protocol/meitrack"
	_ "github.com/fleetlink/fleetlink/protocol/osmand"
	_ "github.com/fleetlink/fleetlink/protocol/queclink"
	_ "github.com/fleetlink/fleetlink/protocol/teltonika"
	_ "github.com/fleetlink/fleetlink/protocol/tk103"
	_ "github.com/fleetlink/fleetlink/protocol/totem"
)

func main() {
	protoName := pflag.StringP("protocol", "p", "teltonika", "protocol codec to decode with")
	raw := pflag.Bool("raw", false, "input is raw bytes, not a hex dump")
	pflag.Parse()

	codec, ok := protocol.Lookup(*protoName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown protocol %q (have: %s)\n",
			*protoName, strings.Join(protocol.Protocols(), ", "))
		os.Exit(1)
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	data := input
	if !*raw {
		data, err = decodeHexDump(input)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	sess := &protocol.Session{Protocol: codec.Protocol(), RemoteAddr: "stdin"}
	for len(data) > 0 {
		frames, consumed, err := codec.Decode(data, sess)
		if err != nil {
			fmt.Fprintf(os.Stderr, "decode error: %v\n", err)
			break
		}
		if consumed == 0 {
			fmt.Fprintf(os.Stderr, "%d trailing bytes form no complete frame\n", len(data))
			break
		}
		data = data[consumed:]
		for _, f := range frames {
			printFrame(f)
		}
	}
}

func decodeHexDump(input []byte) ([]byte, error) {
	hex := make([]byte, 0, len(input))
	for _, c := range input {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
			hex = append(hex, c)
		case c == ' ', c == '\t', c == '\r', c == '\n':
		default:
			return nil, fmt.Errorf("not a hex dump: byte %q", c)
		}
	}
	if len(hex)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits")
	}
	out := make([]byte, len(hex)/2)
	for i := 0; i < len(out); i++ {
		out[i] = nibble(hex[2*i])<<4 | nibble(hex[2*i+1])
	}
	return out, nil
}

func nibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func printFrame(f protocol.Frame) {
	switch frame := f.(type) {
	case *protocol.Login:
		fmt.Printf("login %s serial %d\n", frame.Identifier, frame.Serial)
	case *protocol.Position:
		fmt.Printf("position %s: %v lat %.6f lon %.6f speed %.1f km/h course %.0f",
			frame.Identifier, frame.DeviceTime, frame.Latitude, frame.Longitude,
			frame.Speed, frame.Course)
		if !frame.Valid {
			fmt.Print(" (no fix)")
		} else {
			fmt.Print(" valid")
		}
		if frame.Ignition != nil {
			if *frame.Ignition {
				fmt.Print(" ignition on")
			} else {
				fmt.Print(" ignition off")
			}
		}
		fmt.Println()
		for key, value := range frame.Sensors {
			fmt.Printf("  %s = %v\n", key, value)
		}
	case *protocol.Heartbeat:
		fmt.Printf("heartbeat %s serial %d\n", frame.Identifier, frame.Serial)
	case *protocol.CommandAck:
		fmt.Printf("command ack key %q status %q response %q\n",
			frame.Key, frame.Status, frame.Response)
	case *protocol.BadFrame:
		fmt.Printf("bad frame: %s\n", frame.Reason)
	}
}
