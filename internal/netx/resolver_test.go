package netx

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	cases := []struct {
		in   string
		host string
		port int
	}{
		{"mc.example.com", "mc.example.com", 25565},
		{"mc.example.com:25566", "mc.example.com", 25566},
		{" mc.example.com:25566 ", "mc.example.com", 25566},
		{"mc.example.com:0", "mc.example.com", 25565},
		{"mc.example.com:-5", "mc.example.com", 25565},
		{"mc.example.com:abc", "mc.example.com", 25565},
		{"mc.example.com:70000", "mc.example.com", 65535},
		{"93.184.216.34", "93.184.216.34", 25565},
		{"93.184.216.34:1337", "93.184.216.34", 1337},
		{"[2606:4700::1]:25570", "2606:4700::1", 25570},
		{"[2606:4700::1]", "2606:4700::1", 25565},
		{"2606:4700::1", "2606:4700::1", 25565},
	}
	for _, tc := range cases {
		host, port := ParseServerAddress(tc.in)
		assert.Equal(t, tc.host, host, "input %q", tc.in)
		assert.Equal(t, tc.port, port, "input %q", tc.in)
	}
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{
		"127.0.0.1", "127.255.255.254",
		"10.0.0.5", "172.16.0.1", "172.31.255.255", "192.168.1.1",
		"169.254.0.10",
		"100.64.0.1", "100.127.255.255",
		"224.0.0.1", "239.255.255.255",
		"240.0.0.1",
		"0.0.0.0", "255.255.255.255",
		"::1", "::", "fe80::1", "fd00::1", "ff02::1",
	}
	for _, s := range private {
		require.True(t, IsPrivateIP(net.ParseIP(s)), "%s should be private", s)
	}

	public := []string{
		"93.184.216.34", "8.8.8.8", "1.1.1.1",
		"172.32.0.1", "100.128.0.1", "223.255.255.255",
		"2606:4700:4700::1111",
	}
	for _, s := range public {
		require.False(t, IsPrivateIP(net.ParseIP(s)), "%s should be public", s)
	}
}

func TestResolveServerIPLiteral(t *testing.T) {
	r := NewResolverWithServers() // never queried for literals

	ip, err := r.ResolveServerIP(context.Background(), "93.184.216.34")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip)

	_, err = r.ResolveServerIP(context.Background(), "10.0.0.5")
	assert.ErrorIs(t, err, ErrPrivateIP)
}

// fakeDNS runs a miekg/dns server over UDP answering from a fixed record
// set.
func fakeDNS(t *testing.T, records map[string][]dns.RR) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		for _, rr := range records[q.Name] {
			if rr.Header().Rrtype == q.Qtype {
				resp.Answer = append(resp.Answer, rr)
			}
		}
		w.WriteMsg(resp)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func TestResolveServerIPPicksFirstPublic(t *testing.T) {
	addr := fakeDNS(t, map[string][]dns.RR{
		"mc.example.com.": {
			mustRR(t, "mc.example.com. 60 IN A 10.0.0.9"),
			mustRR(t, "mc.example.com. 60 IN A 93.184.216.34"),
		},
	})
	r := NewResolverWithServers(addr)

	ip, err := r.ResolveServerIP(context.Background(), "mc.example.com")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", ip)
}

func TestResolveServerIPAllPrivate(t *testing.T) {
	addr := fakeDNS(t, map[string][]dns.RR{
		"internal.example.com.": {
			mustRR(t, "internal.example.com. 60 IN A 192.168.0.2"),
		},
	})
	r := NewResolverWithServers(addr)

	_, err := r.ResolveServerIP(context.Background(), "internal.example.com")
	assert.ErrorIs(t, err, ErrPrivateIP)
}

func TestResolveServerIPFallsBackToAAAA(t *testing.T) {
	addr := fakeDNS(t, map[string][]dns.RR{
		"v6.example.com.": {
			mustRR(t, "v6.example.com. 60 IN AAAA 2606:4700:4700::1111"),
		},
	})
	r := NewResolverWithServers(addr)

	ip, err := r.ResolveServerIP(context.Background(), "v6.example.com")
	require.NoError(t, err)
	assert.Equal(t, "2606:4700:4700::1111", ip)
}

func TestLookupMinecraftSRV(t *testing.T) {
	addr := fakeDNS(t, map[string][]dns.RR{
		"_minecraft._tcp.mc.example.com.": {
			mustRR(t, "_minecraft._tcp.mc.example.com. 60 IN SRV 0 5 25570 play.example.com."),
		},
	})
	r := NewResolverWithServers(addr)

	target, port, ok := r.LookupMinecraftSRV(context.Background(), "mc.example.com")
	require.True(t, ok)
	assert.Equal(t, "play.example.com", target)
	assert.Equal(t, 25570, port)
}

func TestLookupMinecraftSRVMissing(t *testing.T) {
	addr := fakeDNS(t, map[string][]dns.RR{})
	r := NewResolverWithServers(addr)

	_, _, ok := r.LookupMinecraftSRV(context.Background(), "nosrv.example.com")
	assert.False(t, ok)
}
