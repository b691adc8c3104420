package proxy_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehcache-go/hotrodproxy/pkg/proxy"
	"github.com/ehcache-go/hotrodproxy/pkg/proxy/prototest"
	"github.com/ehcache-go/hotrodproxy/pkg/transport"
)

const testCacheId transport.CacheId = "test-cache"

type recordingInvalidationListener struct {
	hashes []transport.Key
	alls   int
}

func (r *recordingInvalidationListener) OnInvalidateHash(key transport.Key) {
	r.hashes = append(r.hashes, key)
}
func (r *recordingInvalidationListener) OnInvalidateAll() { r.alls++ }

func TestCommonProxyGet(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}
	p := proxy.NewCommonProxy(ft, testCacheId, lst)

	want := transport.Chain{[]byte("a"), []byte("b")}
	ft.StubResponse(transport.KindGet, transport.Response{Kind: transport.KindGetResponse, Chain: want})

	got, err := p.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("chain mismatch (-want +got):\n%s", diff)
	}
}

func TestCommonProxyAppendPropagatesTimeout(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}
	p := proxy.NewCommonProxy(ft, testCacheId, lst)

	ft.StubError(transport.KindAppend, transport.ErrTimeout)

	err := p.Append(context.Background(), 1, []byte("x"))
	if err != proxy.ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCommonProxyWrapsOtherErrors(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}
	p := proxy.NewCommonProxy(ft, testCacheId, lst)

	ft.StubError(transport.KindAppend, &transport.ProtocolError{Got: transport.KindAckReceived})

	err := p.Append(context.Background(), 1, []byte("x"))
	var pe *proxy.ProxyError
	if err == nil {
		t.Fatal("expected an error")
	}
	if !asProxyError(err, &pe) {
		t.Fatalf("got %v (%T), want *ProxyError", err, err)
	}
}

func TestCommonProxyServerInvalidateHashIsAdvisoryOnly(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}
	proxy.NewCommonProxy(ft, testCacheId, lst)

	ft.PushServerInvalidateHash(7)

	if diff := cmp.Diff([]transport.Key{7}, lst.hashes); diff != "" {
		t.Errorf("hashes mismatch (-want +got):\n%s", diff)
	}
	for _, call := range ft.Invoked {
		if call.Kind == transport.KindClientInvalidationAck {
			t.Fatalf("unexpected ack for advisory invalidation: %+v", call)
		}
	}
}

func TestCommonProxyClientInvalidateHashAcks(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}
	proxy.NewCommonProxy(ft, testCacheId, lst)

	id := ft.PushClientInvalidateHash(9)

	if diff := cmp.Diff([]transport.Key{9}, lst.hashes); diff != "" {
		t.Errorf("hashes mismatch (-want +got):\n%s", diff)
	}

	found := false
	for _, call := range ft.Invoked {
		if call.Kind == transport.KindClientInvalidationAck && call.Key == 9 {
			found = true
		}
	}
	_ = id
	if !found {
		t.Fatalf("expected a ClientInvalidationAck for key 9, got %+v", ft.Invoked)
	}
}

func TestCommonProxyClientInvalidateAllAcks(t *testing.T) {
	ft := prototest.NewFakeTransport()
	lst := &recordingInvalidationListener{}
	proxy.NewCommonProxy(ft, testCacheId, lst)

	ft.PushClientInvalidateAll()

	if lst.alls != 1 {
		t.Fatalf("got %d OnInvalidateAll calls, want 1", lst.alls)
	}
	found := false
	for _, call := range ft.Invoked {
		if call.Kind == transport.KindClientInvalidationAllAck {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a ClientInvalidationAllAck, got %+v", ft.Invoked)
	}
}

func asProxyError(err error, target **proxy.ProxyError) bool {
	pe, ok := err.(*proxy.ProxyError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
