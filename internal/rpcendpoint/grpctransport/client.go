package grpctransport

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"github.com/alxayo/mmtransport/internal/rpcendpoint"
	"github.com/alxayo/mmtransport/internal/transport/cookie"
	"github.com/alxayo/mmtransport/internal/transport/qos"
)

// Client is a gRPC-backed rpcendpoint.Endpoint (and, when the remote
// endpoint supports it, rpcendpoint.StorageEndpoint): every call is a
// single unary RPC against the name this Client was built for, carried
// over conn via the hand-registered ServiceDesc and the json codec.
//
// Client satisfies rpcendpoint.Endpoint; callers that know the remote
// endpoint is storage-backed can additionally call Seek directly, since
// Client also implements rpcendpoint.StorageEndpoint.
type Client struct {
	conn         *grpc.ClientConn
	endpointName string
}

// NewClient builds a Client addressing endpointName over conn. conn may
// be shared by Clients for any number of endpoint names hosted behind
// the same gRPC listener.
func NewClient(conn *grpc.ClientConn, endpointName string) *Client {
	return &Client{conn: conn, endpointName: endpointName}
}

var _ rpcendpoint.Endpoint = (*Client)(nil)
var _ rpcendpoint.StorageEndpoint = (*Client)(nil)

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
}

func (c *Client) RequestConnection(ctx context.Context, pid uint32, hostID string, sinkPrefs []rpcendpoint.Transport, useAllAddresses bool, q qos.List) (rpcendpoint.ConnectionInfo, cookie.Cookie, error) {
	req := &requestConnectionRequest{
		EndpointName:    c.endpointName,
		Pid:             pid,
		HostID:          hostID,
		SinkPrefs:       encodeTransports(sinkPrefs),
		UseAllAddresses: useAllAddresses,
		QoS:             encodeQoS(q),
	}
	resp := new(requestConnectionResponse)
	if err := c.invoke(ctx, "RequestConnection", req, resp); err != nil {
		return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
	}
	if err := decodeErrorParts("grpctransport.client.RequestConnection", resp.ErrorKind, resp.ErrorMessage); err != nil {
		return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
	}
	info, err := decodeConnectionInfo(resp.Info)
	if err != nil {
		return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
	}
	ck, err := cookie.Parse(resp.Cookie)
	if err != nil {
		if resp.Cookie == "" {
			ck = cookie.Zero
		} else {
			return rpcendpoint.ConnectionInfo{}, cookie.Zero, err
		}
	}
	return info, ck, nil
}

func (c *Client) RequestQoS(ctx context.Context, ck cookie.Cookie, q qos.List) error {
	req := &requestQoSRequest{
		EndpointName: c.endpointName,
		Cookie:       ck.String(),
		QoS:          encodeQoS(q),
	}
	resp := new(requestQoSResponse)
	if err := c.invoke(ctx, "RequestQoS", req, resp); err != nil {
		return err
	}
	return decodeErrorParts("grpctransport.client.RequestQoS", resp.ErrorKind, resp.ErrorMessage)
}

func (c *Client) GetStatistics(ctx context.Context) (rpcendpoint.EndpointStatistics, error) {
	req := &getStatisticsRequest{EndpointName: c.endpointName}
	resp := new(getStatisticsResponse)
	if err := c.invoke(ctx, "GetStatistics", req, resp); err != nil {
		return rpcendpoint.EndpointStatistics{}, err
	}
	if err := decodeErrorParts("grpctransport.client.GetStatistics", resp.ErrorKind, resp.ErrorMessage); err != nil {
		return rpcendpoint.EndpointStatistics{}, err
	}
	return rpcendpoint.EndpointStatistics{
		Width:      resp.Width,
		Height:     resp.Height,
		FPS:        resp.FPS,
		Bitrate:    resp.Bitrate,
		MediaType:  resp.MediaType,
		StreamType: resp.StreamType,
	}, nil
}

func (c *Client) Seek(ctx context.Context, at time.Time, startPos rpcendpoint.StartPosition, mode rpcendpoint.PlaybackMode, sessionID uint32) error {
	req := &seekRequest{
		EndpointName: c.endpointName,
		AtUnixMs:     at.UnixMilli(),
		OneFrameBack: startPos == rpcendpoint.OneFrameBack,
		Reverse:      mode.Reverse,
		SessionID:    sessionID,
	}
	resp := new(seekResponse)
	if err := c.invoke(ctx, "Seek", req, resp); err != nil {
		return err
	}
	return decodeErrorParts("grpctransport.client.Seek", resp.ErrorKind, resp.ErrorMessage)
}
