package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corosio "github.com/sgerbino/corosio-sub001"
)

func generateSelfSignedCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestHandshakeAndRoundTripOverLoopbackSocket(t *testing.T) {
	certPEM, keyPEM := generateSelfSignedCert(t)

	ctx, err := corosio.NewExecutionContext()
	require.NoError(t, err)
	defer ctx.Close()

	var acceptor corosio.Acceptor
	ep, err := corosio.ParseEndpoint("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, acceptor.Listen(ctx, ep, 16))
	defer acceptor.Close()

	addr, err := acceptor.Addr()
	require.NoError(t, err)

	serverCfg, err := NewServerContext(certPEM, keyPEM)
	require.NoError(t, err)
	clientCfg, err := NewClientContext(nil, WithInsecureSkipVerify(true))
	require.NoError(t, err)

	serverTask := corosio.NewTask(func(tc *corosio.TaskContext) (string, error) {
		var peer corosio.Socket
		if _, err := corosio.Await[struct{}](tc, acceptor.Accept(&peer)); err != nil {
			return "", err
		}
		defer peer.Close()

		stream := NewStream(tc, &peer, serverCfg, RoleServer)
		if err := stream.Handshake(context.Background()); err != nil {
			return "", err
		}
		buf := make([]byte, 64)
		n, err := stream.ReadSome(buf)
		if err != nil {
			return "", err
		}
		if _, err := stream.WriteSome(buf[:n]); err != nil {
			return "", err
		}
		return string(buf[:n]), stream.Shutdown()
	})

	clientTask := corosio.NewTask(func(tc *corosio.TaskContext) (string, error) {
		var client corosio.Socket
		if err := client.Open(ctx, addr.Family()); err != nil {
			return "", err
		}
		defer client.Close()
		if _, err := corosio.Await[struct{}](tc, client.Connect(addr)); err != nil {
			return "", err
		}

		stream := NewStream(tc, &client, clientCfg, RoleClient)
		if err := stream.Handshake(context.Background()); err != nil {
			return "", err
		}
		if _, err := stream.WriteSome([]byte("secure-ping")); err != nil {
			return "", err
		}
		buf := make([]byte, 64)
		n, err := stream.ReadSome(buf)
		if err != nil {
			return "", err
		}
		return string(buf[:n]), nil
	})

	var serverMsg, clientMsg string
	var serverErr, clientErr error
	serverDone := make(chan struct{})
	clientDone := make(chan struct{})

	corosio.Launch(ctx.Executor(), serverTask, func(s string) { serverMsg = s; close(serverDone) }, func(err error) {
		serverErr = err
		close(serverDone)
	})
	corosio.Launch(ctx.Executor(), clientTask, func(s string) { clientMsg = s; close(clientDone) }, func(err error) {
		clientErr = err
		close(clientDone)
	})

	runCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = ctx.Run(runCtx)

	<-serverDone
	<-clientDone
	require.NoError(t, serverErr)
	require.NoError(t, clientErr)
	assert.Equal(t, "secure-ping", serverMsg)
	assert.Equal(t, "secure-ping", clientMsg)
}

func TestNewServerContextRejectsMismatchedKeyPair(t *testing.T) {
	certPEM, _ := generateSelfSignedCert(t)
	_, badKeyPEM := generateSelfSignedCert(t)
	_, err := NewServerContext(certPEM, badKeyPEM)
	assert.Error(t, err)
}

func TestNewClientContextRejectsEmptyCAPool(t *testing.T) {
	_, err := NewClientContext([]byte("not a certificate"))
	assert.Error(t, err)
}

func TestNewClientContextAcceptsNilCAPool(t *testing.T) {
	cfg, err := NewClientContext(nil)
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
