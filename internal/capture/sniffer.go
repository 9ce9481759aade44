// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/miekg/dns"

	"grimm.is/spyglass/internal/errors"
	"grimm.is/spyglass/internal/logging"
)

// SnifferSource observes raw packets on an interface. Domains are
// recovered from protocol metadata: TLS server-name extension,
// plaintext HTTP host headers, or DNS answers seen earlier on the
// wire. Payloads are never decrypted, so all TLS events are degraded.
type SnifferSource struct {
	log    *logging.Logger
	iface  string
	filter string
	handle *pcap.Handle

	mu sync.Mutex
	// dnsNames maps a resolved address back to the name that was
	// queried, so flows without SNI still get a domain.
	dnsNames map[string]string
}

// NewSnifferSource captures on iface with an optional BPF filter.
func NewSnifferSource(iface, bpfFilter string, log *logging.Logger) *SnifferSource {
	if log == nil {
		log = logging.Default()
	}
	return &SnifferSource{
		log:      log.WithComponent("sniffer"),
		iface:    iface,
		filter:   bpfFilter,
		dnsNames: make(map[string]string),
	}
}

func (s *SnifferSource) Name() string { return "sniffer" }

// Open attaches to the interface. This needs elevated privileges; a
// failure is surfaced, not retried.
func (s *SnifferSource) Open() error {
	handle, err := pcap.OpenLive(s.iface, 65535, true, pcap.BlockForever)
	if err != nil {
		return errors.Wrapf(err, errors.KindPermission, "opening interface %s", s.iface)
	}
	if s.filter != "" {
		if err := handle.SetBPFFilter(s.filter); err != nil {
			handle.Close()
			return errors.Wrapf(err, errors.KindValidation, "BPF filter %q", s.filter)
		}
	}
	s.handle = handle
	return nil
}

// Close detaches from the interface.
func (s *SnifferSource) Close() error {
	if s.handle != nil {
		s.handle.Close()
		s.handle = nil
	}
	return nil
}

// Run captures until the context is cancelled.
func (s *SnifferSource) Run(ctx context.Context, q *Queue) error {
	if s.handle == nil {
		return errors.New(errors.KindInternal, "sniffer source not opened")
	}

	s.log.Info("capturing", "interface", s.iface, "filter", s.filter)

	source := gopacket.NewPacketSource(s.handle, s.handle.LinkType())
	packets := source.Packets()
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-packets:
			if !ok {
				return errors.New(errors.KindUnavailable, "capture handle closed")
			}
			s.processPacket(pkt, q)
		}
	}
}

func (s *SnifferSource) processPacket(pkt gopacket.Packet, q *Queue) {
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		if udp.SrcPort == 53 || udp.DstPort == 53 {
			s.recordDNS(udp.Payload)
		}
		return
	}

	tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok || len(tcp.Payload) == 0 {
		return
	}

	var dstIP string
	if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		dstIP = ip4.DstIP.String()
	} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		dstIP = ip6.DstIP.String()
	}

	ts := pkt.Metadata().Timestamp.UTC()

	if req, ok := s.parseClientHello(tcp.Payload); ok {
		req.Timestamp = ts
		req.DestIP = net.ParseIP(dstIP)
		if req.Host == "" {
			req.Host = s.lookupDNSName(dstIP)
		}
		if req.Host != "" {
			req.URL = "https://" + req.Host + "/"
		}
		q.Push(req)
		return
	}

	if req, ok := parsePlaintextHTTP(tcp.Payload); ok {
		req.Timestamp = ts
		req.DestIP = net.ParseIP(dstIP)
		q.Push(req)
	}
}

// parseClientHello extracts SNI and the JA3 fingerprint from a TLS
// Client Hello. The payload is the TCP payload (TLS record).
func (s *SnifferSource) parseClientHello(payload []byte) (RawRequest, bool) {
	// Handshake record carrying a Client Hello.
	if len(payload) < 6 || payload[0] != 0x16 || payload[5] != 0x01 {
		return RawRequest{}, false
	}

	var hello tlsx.ClientHelloBasic
	if err := hello.Unmarshal(payload); err != nil {
		return RawRequest{}, false
	}

	return RawRequest{
		Method:   "CONNECT",
		Host:     string(hello.SNI),
		Degraded: true,
		TLS: &TLSInfo{
			SNI:     string(hello.SNI),
			JA3:     ja3.DigestHex(&hello),
			Version: uint16(hello.HandshakeVersion),
		},
	}, true
}

// parsePlaintextHTTP recognizes an unencrypted HTTP request at the
// start of a TCP segment.
func parsePlaintextHTTP(payload []byte) (RawRequest, bool) {
	i := bytes.IndexByte(payload, ' ')
	if i < 3 || i > 8 {
		return RawRequest{}, false
	}
	switch string(payload[:i]) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodHead,
		http.MethodDelete, http.MethodOptions, http.MethodPatch:
	default:
		return RawRequest{}, false
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(payload)))
	if err != nil {
		return RawRequest{}, false
	}
	defer req.Body.Close()

	host := req.Host
	if h := hostOf(host); h != "" {
		host = h
	}
	uri := req.RequestURI
	if !strings.HasPrefix(uri, "http") {
		uri = "http://" + host + uri
	}

	var body []byte
	if req.ContentLength > 0 && req.ContentLength <= maxCapturedBody {
		buf := make([]byte, req.ContentLength)
		if n, _ := req.Body.Read(buf); n > 0 {
			body = buf[:n]
		}
	}

	return RawRequest{
		Method:      req.Method,
		URL:         uri,
		Host:        host,
		Site:        siteFromHeaders(req.Header),
		ContentType: req.Header.Get("Content-Type"),
		Body:        body,
	}, true
}

// recordDNS remembers answer records so later flows to the resolved
// address can be attributed to the queried name.
func (s *SnifferSource) recordDNS(payload []byte) {
	var msg dns.Msg
	if err := msg.Unpack(payload); err != nil || !msg.Response {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rr := range msg.Answer {
		name := strings.TrimSuffix(rr.Header().Name, ".")
		switch a := rr.(type) {
		case *dns.A:
			s.dnsNames[a.A.String()] = name
		case *dns.AAAA:
			s.dnsNames[a.AAAA.String()] = name
		}
	}

	// The name table only needs recent resolutions.
	if len(s.dnsNames) > 65536 {
		s.dnsNames = make(map[string]string)
	}
}

func (s *SnifferSource) lookupDNSName(ip string) string {
	if ip == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dnsNames[ip]
}
