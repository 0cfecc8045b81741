// Package rpc is the daemon's local control plane: JSON commands posted to
// a single HTTP endpoint, and the client the CLI uses to send them.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hyperg/pkg/types"

	"go.uber.org/zap"
)

// Commands understood by the control plane.
const (
	CommandID        = "id"
	CommandUpload    = "upload"
	CommandDownload  = "download"
	CommandCancel    = "cancel"
	CommandAddresses = "addresses"
)

var errInvalidCommand = errors.New("invalid command")

// Request is one decoded control plane command. The set of implementations
// is closed.
type Request interface {
	Command() string
}

type IDRequest struct{}

type AddressesRequest struct{}

// UploadRequest shares local files, or with Hash set re-shares an archive
// that is already stored. Files maps source paths to entry names.
type UploadRequest struct {
	ID      string            `json:"id,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
	Hash    string            `json:"hash,omitempty"`
	Timeout int64             `json:"timeout,omitempty"`
}

// DownloadRequest fetches an archive into Dest. Size is in bytes and
// Timeout in milliseconds.
type DownloadRequest struct {
	Hash    string        `json:"hash"`
	Dest    string        `json:"dest"`
	Peers   []PeerAddress `json:"peers,omitempty"`
	Size    uint64        `json:"size,omitempty"`
	Timeout int64         `json:"timeout,omitempty"`
}

type CancelRequest struct {
	Hash string `json:"hash"`
}

func (IDRequest) Command() string        { return CommandID }
func (AddressesRequest) Command() string { return CommandAddresses }
func (UploadRequest) Command() string    { return CommandUpload }
func (DownloadRequest) Command() string  { return CommandDownload }
func (CancelRequest) Command() string    { return CommandCancel }

// PeerAddress is a peer in the wire shape {"TCP": {"address", "port"}}.
type PeerAddress struct {
	TCP *TCPAddress `json:"TCP,omitempty"`
}

type TCPAddress struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// PeerAddressOf converts a peer to its wire shape.
func PeerAddressOf(p types.Peer) PeerAddress {
	return PeerAddress{TCP: &TCPAddress{Address: p.Host, Port: p.Port}}
}

// peers converts the wire peer list, dropping entries that do not
// validate. It fails only when peers were given and none survive.
func (r DownloadRequest) peers(logger *zap.Logger) ([]types.Peer, error) {
	peers := make([]types.Peer, 0, len(r.Peers))
	for i, p := range r.Peers {
		if p.TCP == nil {
			logger.Debug("Dropping peer without TCP address", zap.Int("index", i))
			continue
		}
		peer := types.Peer{Host: p.TCP.Address, Port: p.TCP.Port}
		if err := peer.Validate(); err != nil {
			logger.Debug("Dropping invalid peer",
				zap.Int("index", i),
				zap.String("address", p.TCP.Address),
				zap.Int("port", p.TCP.Port),
				zap.Error(err))
			continue
		}
		peers = append(peers, peer)
	}
	if len(r.Peers) > 0 && len(peers) == 0 {
		return nil, fmt.Errorf("%w: none of %d peers is valid", types.ErrInvalidPeer, len(r.Peers))
	}
	return peers, nil
}

func millis(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

type envelope struct {
	Command string `json:"command"`
}

// DecodeRequest parses a command body into its concrete Request type.
func DecodeRequest(data []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var req Request
	switch env.Command {
	case CommandID:
		return IDRequest{}, nil
	case CommandAddresses:
		return AddressesRequest{}, nil
	case CommandUpload:
		var r UploadRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if r.Hash == "" && len(r.Files) == 0 {
			return nil, errors.New("upload requires files or hash")
		}
		req = r
	case CommandDownload:
		var r DownloadRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if r.Hash == "" || r.Dest == "" {
			return nil, errors.New("download requires hash and dest")
		}
		req = r
	case CommandCancel:
		var r CancelRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		if r.Hash == "" {
			return nil, errors.New("cancel requires hash")
		}
		req = r
	default:
		return nil, errInvalidCommand
	}
	return req, nil
}

// EncodeRequest renders r with its command tag.
func EncodeRequest(r Request) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	command, _ := json.Marshal(r.Command())
	fields["command"] = command
	return json.Marshal(fields)
}

// Response carries the fields any command may answer with.
type Response struct {
	ID        string   `json:"id,omitempty"`
	Hash      string   `json:"hash,omitempty"`
	Files     []string `json:"files,omitempty"`
	OK        string   `json:"ok,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	Error     string   `json:"error,omitempty"`
	NotFound  string   `json:"not_found,omitempty"`
}
