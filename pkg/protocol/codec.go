package protocol

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
)

// ErrMalformedPacket marks datagrams that cannot be decoded or fail a
// variant's validation. Callers drop these without replying.
var ErrMalformedPacket = errors.New("malformed packet")

// Decode parses one datagram into its message variant, validating the
// fields the variant requires. An unrecognized "type" tag is not an
// error: it decodes to Unknown so the caller can drop it explicitly.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	switch Kind(probe.Type) {
	case KindRegister:
		return Register{}, nil

	case KindConnect:
		var m Connect
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		if net.ParseIP(m.TargetIP) == nil {
			return nil, fmt.Errorf("%w: connect target_ip %q is not an ip", ErrMalformedPacket, m.TargetIP)
		}
		return m, nil

	case KindYourAddr:
		var m YourAddr
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		if err := validAddr(m.Addr); err != nil {
			return nil, fmt.Errorf("%w: your_addr: %v", ErrMalformedPacket, err)
		}
		return m, nil

	case KindPeer:
		var m PeerIntro
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		if err := validAddr(m.Peer); err != nil {
			return nil, fmt.Errorf("%w: peer: %v", ErrMalformedPacket, err)
		}
		return m, nil

	case KindError:
		var m ErrorReply
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		return m, nil

	case KindPunch:
		var m Punch
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		return m, nil

	case KindFileRequest:
		var m FileRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		if m.Filepath == "" || m.Nonce == "" {
			return nil, fmt.Errorf("%w: file_request missing filepath or nonce", ErrMalformedPacket)
		}
		return m, nil

	case KindFileResponse:
		var m FileResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		if m.Nonce == "" {
			return nil, fmt.Errorf("%w: file_response missing nonce", ErrMalformedPacket)
		}
		if m.Seq < 0 {
			return nil, fmt.Errorf("%w: file_response seq %d", ErrMalformedPacket, m.Seq)
		}
		if _, err := hex.DecodeString(m.Data); err != nil {
			return nil, fmt.Errorf("%w: file_response data is not hex: %v", ErrMalformedPacket, err)
		}
		return m, nil

	case KindFileAck:
		var m FileAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
		}
		if m.Nonce == "" {
			return nil, fmt.Errorf("%w: file_ack missing nonce", ErrMalformedPacket)
		}
		if m.Seq < 0 {
			return nil, fmt.Errorf("%w: file_ack seq %d", ErrMalformedPacket, m.Seq)
		}
		return m, nil

	default:
		return Unknown{Tag: probe.Type}, nil
	}
}

// Encode serializes a message into its wire envelope. The "type" tag is
// supplied here so callers construct plain variant values.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Register:
		return json.Marshal(struct {
			Type Kind `json:"type"`
		}{KindRegister})

	case Connect:
		return json.Marshal(struct {
			Type     Kind   `json:"type"`
			TargetIP string `json:"target_ip"`
		}{KindConnect, v.TargetIP})

	case YourAddr:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Addr Addr `json:"addr"`
		}{KindYourAddr, v.Addr})

	case PeerIntro:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			Peer Addr `json:"peer"`
		}{KindPeer, v.Peer})

	case ErrorReply:
		return json.Marshal(struct {
			Type Kind   `json:"type"`
			Msg  string `json:"msg"`
		}{KindError, v.Msg})

	case Punch:
		return json.Marshal(struct {
			Type Kind    `json:"type"`
			T    float64 `json:"t"`
		}{KindPunch, v.T})

	case FileRequest:
		return json.Marshal(struct {
			Type     Kind   `json:"type"`
			Filepath string `json:"filepath"`
			Nonce    string `json:"nonce"`
		}{KindFileRequest, v.Filepath, v.Nonce})

	case FileResponse:
		return json.Marshal(struct {
			Type     Kind   `json:"type"`
			Hash     string `json:"hash"`
			Data     string `json:"data"`
			Nonce    string `json:"nonce"`
			Filename string `json:"filename"`
			IsLast   bool   `json:"is_last"`
			Seq      int    `json:"seq"`
		}{KindFileResponse, v.Hash, v.Data, v.Nonce, v.Filename, v.IsLast, v.Seq})

	case FileAck:
		return json.Marshal(struct {
			Type  Kind   `json:"type"`
			Seq   int    `json:"seq"`
			Nonce string `json:"nonce"`
		}{KindFileAck, v.Seq, v.Nonce})

	default:
		return nil, fmt.Errorf("cannot encode message kind %q", m.Kind())
	}
}

// Payload returns the chunk bytes carried by a response. Decode has
// already checked the hex, so this only fails on hand-built values.
func (m FileResponse) Payload() ([]byte, error) {
	return hex.DecodeString(m.Data)
}

// NewFileResponse hex-encodes one chunk of content into its wire form.
func NewFileResponse(nonce, filename, hash string, seq int, data []byte, isLast bool) FileResponse {
	return FileResponse{
		Hash:     hash,
		Data:     hex.EncodeToString(data),
		Nonce:    nonce,
		Filename: filename,
		IsLast:   isLast,
		Seq:      seq,
	}
}

// MarshalJSON writes the addr tuple form ["ip", port].
func (a Addr) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{a.IP, a.Port})
}

// UnmarshalJSON reads the addr tuple form ["ip", port].
func (a *Addr) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("addr must be a 2-tuple, got %d elements", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &a.IP); err != nil {
		return fmt.Errorf("addr ip: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &a.Port); err != nil {
		return fmt.Errorf("addr port: %w", err)
	}
	return nil
}

func validAddr(a Addr) error {
	if net.ParseIP(a.IP) == nil {
		return fmt.Errorf("invalid ip %q", a.IP)
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("invalid port %d", a.Port)
	}
	return nil
}
