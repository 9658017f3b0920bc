package router_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TPNguyen/mcrouter"
	"github.com/TPNguyen/mcrouter/router"
	"github.com/TPNguyen/mcrouter/routes"
	"github.com/TPNguyen/mcrouter/test_helpers"
)

func TestParseConfigRejections(t *testing.T) {
	cases := []struct {
		name    string
		blob    string
		wantErr string
	}{
		{
			"not json",
			`pools`,
			"router config",
		},
		{
			"no pools",
			`{"pools": {}, "route": "Pool|A"}`,
			"no pools defined",
		},
		{
			"pool without servers",
			`{"pools": {"A": {"servers": [], "protocol": "binary"}}, "route": "Pool|A"}`,
			`pool "A" has no servers`,
		},
		{
			"pool without protocol",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"]}}, "route": "Pool|A"}`,
			`pool "A" has no protocol`,
		},
		{
			"no route",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}}}`,
			"no route",
		},
		{
			"unknown pool reference",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}}, "route": "Pool|B"}`,
			`unknown pool "B"`,
		},
		{
			"malformed shorthand",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}}, "route": "A"}`,
			"malformed route shorthand",
		},
		{
			"route without type",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}}, "route": {}}`,
			"route node has no type",
		},
		{
			"unknown route type",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}},
			  "route": {"type": "HashRoute"}}`,
			`unknown route type "HashRoute"`,
		},
		{
			"key split without destination",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}},
			  "route": {"type": "KeySplitRoute", "replicas": 4, "all_sync": false}}`,
			"KeySplitRoute: no destination route",
		},
		{
			"key split without replicas",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}},
			  "route": {"type": "KeySplitRoute", "destination": "Pool|A", "all_sync": false}}`,
			"KeySplitRoute: no replicas specified",
		},
		{
			"key split without all_sync",
			`{"pools": {"A": {"servers": ["127.0.0.1:11211"], "protocol": "binary"}},
			  "route": {"type": "KeySplitRoute", "destination": "Pool|A", "replicas": 4}}`,
			"KeySplitRoute: all_sync not specified",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.ParseConfig(tc.blob)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseConfigAccepts(t *testing.T) {
	cfg, err := router.ParseConfig(`{
		"pools": {
			"A": {"servers": ["127.0.0.1:11211", "127.0.0.1:11212"], "protocol": "binary"},
			"B": {"servers": ["127.0.0.1:11213"], "protocol": "rpc"}
		},
		"route": {
			"type": "KeySplitRoute",
			"destination": {"type": "PoolRoute", "pool": "A"},
			"replicas": 4,
			"all_sync": true
		}
	}`)
	require.NoError(t, err)
	assert.Len(t, cfg.Pools, 2)
	assert.Equal(t, []string{"127.0.0.1:11211", "127.0.0.1:11212"}, cfg.Pools["A"].Servers)
	assert.Equal(t, "rpc", cfg.Pools["B"].Protocol)
}

func mockConfig(addrs []string, protocol mcrouter.Protocol, route string) string {
	quoted := make([]string, len(addrs))
	for i, addr := range addrs {
		quoted[i] = fmt.Sprintf("%q", addr)
	}
	return fmt.Sprintf(`{
		"pools": {"A": {"servers": [%s], "protocol": %q}},
		"route": %s
	}`, strings.Join(quoted, ","), protocol.String(), route)
}

func TestRouterOutOfRangeReplicasFailsBuild(t *testing.T) {
	srv, err := test_helpers.StartMockServer(mcrouter.ProtocolBinary)
	require.NoError(t, err)
	defer srv.Close()

	blob := mockConfig([]string{srv.Addr()}, mcrouter.ProtocolBinary,
		`{"type": "KeySplitRoute", "destination": "Pool|A", "replicas": 1, "all_sync": false}`)
	_, err = router.New("r", blob, router.Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2 replicas")

	blob = mockConfig([]string{srv.Addr()}, mcrouter.ProtocolBinary,
		`{"type": "KeySplitRoute", "destination": "Pool|A", "replicas": 1001, "all_sync": false}`)
	_, err = router.New("r", blob, router.Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more than 1000 replicas")
}

func TestRouterEndToEnd(t *testing.T) {
	for _, protocol := range []mcrouter.Protocol{mcrouter.ProtocolBinary, mcrouter.ProtocolRPC} {
		t.Run(protocol.String(), func(t *testing.T) {
			srv, err := test_helpers.StartMockServer(protocol)
			require.NoError(t, err)
			defer srv.Close()

			blob := mockConfig([]string{srv.Addr()}, protocol,
				`{"type": "KeySplitRoute", "destination": "Pool|A", "replicas": 3, "all_sync": true}`)
			r, err := router.New("test-router", blob, router.Opts{
				ConnOpts: mcrouter.Opts{Timeout: 2 * time.Second},
			})
			require.NoError(t, err)
			defer r.Close()

			assert.Equal(t, "test-router", r.Name())
			assert.True(t, r.HealthCheck())

			reply, err := r.Do(&mcrouter.Request{
				Op: mcrouter.OpSet, Key: "hello", Value: []byte("world"),
			}).Get()
			require.NoError(t, err)
			assert.Equal(t, mcrouter.ResStored, reply.Result)
			assert.Equal(t, 3, srv.Len(), "all_sync write lands on every replica before completing")

			reply, err = r.Do(&mcrouter.Request{Op: mcrouter.OpGet, Key: "hello"}).Get()
			require.NoError(t, err)
			assert.Equal(t, mcrouter.ResFound, reply.Result)
			assert.Equal(t, "hello", reply.Key)
			assert.Equal(t, []byte("world"), reply.Value)
		})
	}
}

func TestRouterPoolShorthandRoute(t *testing.T) {
	srv, err := test_helpers.StartMockServer(mcrouter.ProtocolBinary)
	require.NoError(t, err)
	defer srv.Close()

	blob := mockConfig([]string{srv.Addr()}, mcrouter.ProtocolBinary, `"Pool|A"`)
	r, err := router.New("plain", blob, router.Opts{
		ConnOpts: mcrouter.Opts{Timeout: 2 * time.Second},
	})
	require.NoError(t, err)
	defer r.Close()

	reply, err := r.Do(&mcrouter.Request{Op: mcrouter.OpSet, Key: "k", Value: []byte("v")}).Get()
	require.NoError(t, err)
	assert.Equal(t, mcrouter.ResStored, reply.Result)

	item, ok := srv.Item("k")
	require.True(t, ok, "a plain pool route does not derive keys")
	assert.Equal(t, []byte("v"), item.Value)
}

func TestRouterRoundRobinAcrossPoolMembers(t *testing.T) {
	srvA, err := test_helpers.StartMockServer(mcrouter.ProtocolBinary)
	require.NoError(t, err)
	defer srvA.Close()
	srvB, err := test_helpers.StartMockServer(mcrouter.ProtocolBinary)
	require.NoError(t, err)
	defer srvB.Close()

	blob := mockConfig([]string{srvA.Addr(), srvB.Addr()}, mcrouter.ProtocolBinary, `"Pool|A"`)
	r, err := router.New("rr", blob, router.Opts{
		ConnOpts: mcrouter.Opts{Timeout: 2 * time.Second},
	})
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 4; i++ {
		reply, err := r.Do(&mcrouter.Request{
			Op: mcrouter.OpSet, Key: fmt.Sprintf("k%d", i), Value: []byte("v"),
		}).Get()
		require.NoError(t, err)
		require.Equal(t, mcrouter.ResStored, reply.Result)
	}
	assert.Equal(t, 2, srvA.Len())
	assert.Equal(t, 2, srvB.Len())
}

func TestRouterDialFailureTearsDownBuild(t *testing.T) {
	srv, err := test_helpers.StartMockServer(mcrouter.ProtocolBinary)
	require.NoError(t, err)
	dead := srv.Addr()
	srv.Close()

	blob := mockConfig([]string{dead}, mcrouter.ProtocolBinary, `"Pool|A"`)
	_, err = router.New("broken", blob, router.Opts{
		ConnOpts: mcrouter.Opts{DialTimeout: 500 * time.Millisecond},
	})
	assert.Error(t, err)
}

func TestInternalConn(t *testing.T) {
	srv, err := test_helpers.StartMockServer(mcrouter.ProtocolRPC)
	require.NoError(t, err)
	defer srv.Close()

	blob := mockConfig([]string{srv.Addr()}, mcrouter.ProtocolRPC,
		`{"type": "KeySplitRoute", "destination": "Pool|A", "replicas": 2, "all_sync": true}`)

	conn, err := router.NewInternalConn("client-a", blob, router.Opts{
		ConnOpts: mcrouter.Opts{Timeout: 2 * time.Second},
		Picker:   routes.FixedPicker(1),
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "client-a", conn.Name())
	assert.True(t, conn.HealthCheck())

	// The internal variant honors the same contract as an external one.
	var target mcrouter.Conn = conn
	reply, err := target.Do(&mcrouter.Request{
		Op: mcrouter.OpSet, Key: "hello", Value: []byte("world"),
	}).Get()
	require.NoError(t, err)
	assert.Equal(t, mcrouter.ResStored, reply.Result)

	reply, err = target.Do(&mcrouter.Request{Op: mcrouter.OpGet, Key: "hello"}).Get()
	require.NoError(t, err)
	assert.Equal(t, mcrouter.ResFound, reply.Result)
	assert.Equal(t, "hello", reply.Key)
	assert.Equal(t, []byte("world"), reply.Value)
}

func TestInternalConnGeneratedName(t *testing.T) {
	srv, err := test_helpers.StartMockServer(mcrouter.ProtocolBinary)
	require.NoError(t, err)
	defer srv.Close()

	blob := mockConfig([]string{srv.Addr()}, mcrouter.ProtocolBinary, `"Pool|A"`)
	conn, err := router.NewInternalConn("", blob, router.Opts{
		ConnOpts: mcrouter.Opts{Timeout: 2 * time.Second},
	})
	require.NoError(t, err)
	defer conn.Close()
	assert.True(t, strings.HasPrefix(conn.Name(), "internal-"))
	assert.Greater(t, len(conn.Name()), len("internal-"))
}
