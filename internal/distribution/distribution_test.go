package distribution_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/nfe-service/internal/certificate"
	"github.com/rezonia/nfe-service/internal/distribution"
	"github.com/rezonia/nfe-service/internal/model"
	xmlparser "github.com/rezonia/nfe-service/internal/parser/xml"
	"github.com/rezonia/nfe-service/internal/transmission"
)

const (
	party   = "11222333000181"
	testKey = "35240111222333000181550010000001241123456788"
)

type fakeCaller struct {
	mu       sync.Mutex
	payloads []string
	respond  func(call int, payload string) (string, error)
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeCaller) Call(ctx context.Context, m *certificate.Material, req transmission.Request) (*transmission.Response, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	if req.Service != transmission.ServiceDistribution {
		return nil, fmt.Errorf("unexpected service %s", req.Service)
	}
	doc := etree.NewDocument()
	doc.SetRoot(req.Payload)
	payload, _ := doc.WriteToString()

	f.mu.Lock()
	call := len(f.payloads)
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	raw, err := f.respond(call, payload)
	if err != nil {
		return nil, err
	}
	resp := etree.NewDocument()
	if err := resp.ReadFromString(raw); err != nil {
		return nil, err
	}
	return &transmission.Response{Endpoint: "https://an.test", Message: resp.Root(), Raw: []byte(raw)}, nil
}

func (f *fakeCaller) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeCaller) payload(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payloads[i]
}

type doc struct {
	nsu    int
	schema string
	xml    string
}

func zipped(t *testing.T, content string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func ret(t *testing.T, cStat int, ult, maxNSU int, docs ...doc) string {
	var lote strings.Builder
	if len(docs) > 0 {
		lote.WriteString("<loteDistDFeInt>")
		for _, d := range docs {
			fmt.Fprintf(&lote, `<docZip NSU="%015d" schema="%s">%s</docZip>`, d.nsu, d.schema, zipped(t, d.xml))
		}
		lote.WriteString("</loteDistDFeInt>")
	}
	return fmt.Sprintf(`<retDistDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">`+
		`<tpAmb>1</tpAmb><verAplic>1.5.0</verAplic><cStat>%d</cStat><xMotivo>motivo %d</xMotivo>`+
		`<dhResp>2024-01-16T10:00:00-03:00</dhResp><ultNSU>%015d</ultNSU><maxNSU>%015d</maxNSU>%s</retDistDFeInt>`,
		cStat, cStat, ult, maxNSU, lote.String())
}

func resNFe(n int) string {
	return `<resNFe xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01"><chNFe>` + testKey +
		`</chNFe><CNPJ>11222333000181</CNPJ><xNome>LOJA ` + fmt.Sprint(n) + `</xNome><dhEmi>2024-01-15T10:00:00-03:00</dhEmi>` +
		`<tpNF>1</tpNF><vNF>20.00</vNF><cSitNFe>1</cSitNFe></resNFe>`
}

func request(cursor model.NSU) distribution.Request {
	return distribution.Request{Party: party, UF: "SP", Environment: model.EnvironmentProduction, Cursor: cursor}
}

type recorder struct {
	mu    sync.Mutex
	polls map[string]int
	docs  map[string]int
}

func (r *recorder) IncrDistributionPoll(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[state]++
}

func (r *recorder) AddDistributedDocuments(schema string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[schema] += n
}

func newSync(caller distribution.Caller, opts ...distribution.Option) *distribution.Synchronizer {
	cfg := distribution.Config{RatePerSecond: 1000, Burst: 100, EmptyBackoff: time.Hour}
	return distribution.NewSynchronizer(caller, cfg, opts...)
}

func TestQuery_Batch(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		return ret(t, 138, 5, 9,
			doc{5, "resNFe_v1.01.xsd", resNFe(5)},
			doc{3, "procNFe_v4.00.xsd", "<nfeProc/>"},
		), nil
	}}
	metrics := &recorder{polls: map[string]int{}, docs: map[string]int{}}
	s := newSync(caller, distribution.WithMetrics(metrics))

	batch, err := s.Query(context.Background(), request(0))
	require.NoError(t, err)

	assert.Equal(t, model.DistributionHasBatch, batch.State)
	assert.Equal(t, 138, batch.Code)
	assert.Equal(t, model.NSU(0), batch.Cursor)
	assert.Equal(t, model.NSU(5), batch.UltNSU)
	assert.Equal(t, model.NSU(9), batch.MaxNSU)
	assert.Equal(t, model.NSU(5), batch.NextCursor)
	assert.False(t, batch.Drained())
	assert.Equal(t, party, batch.Party)

	require.Len(t, batch.Documents, 2)
	assert.Equal(t, model.NSU(3), batch.Documents[0].NSU)
	assert.Equal(t, "procNFe", batch.Documents[0].Kind())
	assert.Equal(t, "<nfeProc/>", string(batch.Documents[0].XML))
	assert.Equal(t, model.NSU(5), batch.Documents[1].NSU)
	assert.Equal(t, resNFe(5), string(batch.Documents[1].XML))

	payload := caller.payload(0)
	assert.Contains(t, payload, `<distDFeInt xmlns="http://www.portalfiscal.inf.br/nfe" versao="1.01">`)
	assert.Contains(t, payload, "<tpAmb>1</tpAmb><cUFAutor>35</cUFAutor><CNPJ>"+party+"</CNPJ>")
	assert.Contains(t, payload, "<distNSU><ultNSU>000000000000000</ultNSU></distNSU>")

	assert.Equal(t, 1, metrics.polls["has_batch"])
	assert.Equal(t, 1, metrics.docs["resNFe"])
	assert.Equal(t, 1, metrics.docs["procNFe"])
	assert.Equal(t, model.DistributionIdle, s.State(party, model.EnvironmentProduction))
}

func TestQuery_CPFParty(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) { return ret(t, 137, 0, 0), nil }}
	req := request(0)
	req.Party = "529.982.247-25"

	_, err := newSync(caller).Query(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, caller.payload(0), "<CPF>52998224725</CPF>")
}

func TestQuery_Outcomes(t *testing.T) {
	tests := []struct {
		name   string
		cursor model.NSU
		resp   func(t *testing.T) string
		state  model.DistributionState
		kind   model.ErrorKind
	}{
		{"no documents", 7, func(t *testing.T) string { return ret(t, 137, 7, 7) }, model.DistributionEmpty, ""},
		{"cursor at max", 9, func(t *testing.T) string { return ret(t, 138, 9, 9) }, model.DistributionEmpty, ""},
		{"cursor above max", 50, func(t *testing.T) string { return ret(t, 589, 9, 9) }, "", model.KindInvalidCursor},
		{"consumption limit", 0, func(t *testing.T) string { return ret(t, 656, 0, 0) }, "", model.KindAuthorityUnavailable},
		{"rejected", 0, func(t *testing.T) string { return ret(t, 593, 0, 0) }, "", model.KindAuthorityRejection},
		{"not a distribution reply", 0, func(t *testing.T) string { return "<retConsStatServ/>" }, "", model.KindTransmission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &fakeCaller{respond: func(int, string) (string, error) { return tt.resp(t), nil }}
			batch, err := newSync(caller).Query(context.Background(), request(tt.cursor))
			if tt.kind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.kind, model.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.state, batch.State)
			assert.True(t, batch.Drained())
		})
	}
}

func TestQuery_InvalidCursorCarriesMax(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) { return ret(t, 589, 9, 9), nil }}
	_, err := newSync(caller).Query(context.Background(), request(50))

	var ic *model.InvalidCursor
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, model.NSU(50), ic.Cursor)
	assert.Equal(t, model.NSU(9), ic.MaxNSU)
}

func TestQuery_TransportFailure(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		return "", model.NewTransmissionError("https://an.test", 503, true, "server error", nil)
	}}
	_, err := newSync(caller).Query(context.Background(), request(0))

	var ua *model.AuthorityUnavailable
	require.ErrorAs(t, err, &ua)
	var te *model.TransmissionError
	assert.ErrorAs(t, err, &te)
}

func TestQuery_RoutingErrorPassesThrough(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		return "", model.NewRoutingError("SP", "NFeDistribuicaoDFe", model.EnvironmentProduction)
	}}
	_, err := newSync(caller).Query(context.Background(), request(0))
	assert.Equal(t, model.KindRouting, model.KindOf(err))
}

func TestQuery_Validation(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) { return ret(t, 137, 0, 0), nil }}
	s := newSync(caller)

	bad := []distribution.Request{
		{Party: "11111111111111", UF: "SP", Environment: model.EnvironmentProduction},
		{Party: party, UF: "XX", Environment: model.EnvironmentProduction},
		{Party: party, UF: "SP"},
	}
	for _, req := range bad {
		_, err := s.Query(context.Background(), req)
		assert.Equal(t, model.KindValidation, model.KindOf(err))
	}
	assert.Equal(t, 0, caller.calls())
}

func TestQuery_EmptyBackoff(t *testing.T) {
	now := time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	caller := &fakeCaller{respond: func(int, string) (string, error) { return ret(t, 137, 9, 9), nil }}
	s := newSync(caller, distribution.WithClock(clock))
	ctx := context.Background()

	_, err := s.Query(ctx, request(9))
	require.NoError(t, err)

	batch, err := s.Query(ctx, request(9))
	require.NoError(t, err)
	assert.Equal(t, model.DistributionEmpty, batch.State)
	assert.Equal(t, 1, caller.calls())

	// an older cursor still has documents to fetch
	_, err = s.Query(ctx, request(3))
	require.NoError(t, err)
	assert.Equal(t, 2, caller.calls())

	now = now.Add(time.Hour)
	_, err = s.Query(ctx, request(9))
	require.NoError(t, err)
	assert.Equal(t, 3, caller.calls())
}

func TestQuery_EmptyBackoffEchoesServerUltNSU(t *testing.T) {
	now := time.Date(2024, 1, 16, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	caller := &fakeCaller{respond: func(int, string) (string, error) { return ret(t, 137, 9, 9), nil }}
	s := newSync(caller, distribution.WithClock(clock))
	ctx := context.Background()

	first, err := s.Query(ctx, request(9))
	require.NoError(t, err)

	batch, err := s.Query(ctx, request(12))
	require.NoError(t, err)
	assert.Equal(t, 1, caller.calls())
	assert.Equal(t, first.UltNSU, batch.UltNSU)
	assert.Equal(t, model.NSU(9), batch.UltNSU)
	assert.Equal(t, model.NSU(9), batch.MaxNSU)
	assert.Equal(t, model.NSU(12), batch.Cursor)
	assert.Equal(t, model.NSU(12), batch.NextCursor)
}

func TestQuery_SerializedPerParty(t *testing.T) {
	caller := &fakeCaller{
		delay:   5 * time.Millisecond,
		respond: func(int, string) (string, error) { return ret(t, 138, 1, 9, doc{1, "resNFe_v1.01.xsd", resNFe(1)}), nil },
	}
	s := newSync(caller)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Query(context.Background(), request(0))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, caller.calls())
	assert.Equal(t, int32(1), caller.maxInflight.Load())
}

func TestQuery_Cancelled(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) { return ret(t, 137, 0, 0), nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newSync(caller).Query(ctx, request(0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, caller.calls())
}

func TestQueryAccessKey(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		return ret(t, 138, 12, 12, doc{12, "resNFe_v1.01.xsd", resNFe(12)}), nil
	}}
	s := newSync(caller)

	batch, err := s.QueryAccessKey(context.Background(), request(0), testKey)
	require.NoError(t, err)
	require.Len(t, batch.Documents, 1)
	assert.Contains(t, caller.payload(0), "<consChNFe><chNFe>"+testKey+"</chNFe></consChNFe>")

	_, err = s.QueryAccessKey(context.Background(), request(0), "123")
	assert.Equal(t, model.KindValidation, model.KindOf(err))
	assert.Equal(t, 1, caller.calls())
}

func TestQueryNSU(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		return ret(t, 138, 12, 12, doc{4, "resNFe_v1.01.xsd", resNFe(4)}), nil
	}}

	batch, err := newSync(caller).QueryNSU(context.Background(), request(0), 4)
	require.NoError(t, err)
	require.Len(t, batch.Documents, 1)
	assert.Contains(t, caller.payload(0), "<consNSU><NSU>000000000000004</NSU></consNSU>")
}

// pages serves NSUs 1..4 two at a time
func pages(t *testing.T) func(int, string) (string, error) {
	return func(_ int, payload string) (string, error) {
		switch {
		case strings.Contains(payload, "<ultNSU>000000000000000</ultNSU>"):
			return ret(t, 138, 2, 4, doc{2, "resNFe_v1.01.xsd", resNFe(2)}, doc{1, "resNFe_v1.01.xsd", resNFe(1)}), nil
		case strings.Contains(payload, "<ultNSU>000000000000002</ultNSU>"):
			return ret(t, 138, 4, 4, doc{3, "resNFe_v1.01.xsd", resNFe(3)}, doc{4, "resNFe_v1.01.xsd", resNFe(4)}), nil
		}
		return ret(t, 137, 4, 4), nil
	}
}

type memorySink struct {
	events   []string
	failAt   int
	cursor   model.NSU
	stored   map[model.NSU]bool
	storeErr error
}

func (m *memorySink) Store(_ context.Context, b *model.DistributionBatch) error {
	if m.storeErr != nil && len(m.events)/2+1 == m.failAt {
		return m.storeErr
	}
	for _, d := range b.Documents {
		m.stored[d.NSU] = true
	}
	m.events = append(m.events, "store "+b.Cursor.String())
	return nil
}

func (m *memorySink) Advance(_ context.Context, b *model.DistributionBatch) error {
	m.cursor = b.NextCursor
	m.events = append(m.events, "advance "+b.NextCursor.String())
	return nil
}

func TestDrain(t *testing.T) {
	caller := &fakeCaller{respond: pages(t)}
	sink := &memorySink{stored: map[model.NSU]bool{}}

	res, err := newSync(caller).Drain(context.Background(), request(0), sink)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 4, res.Documents)
	assert.True(t, res.Drained)
	assert.Equal(t, model.NSU(4), res.Cursor)
	assert.Equal(t, model.NSU(4), sink.cursor)
	assert.Len(t, sink.stored, 4)
	assert.Equal(t, []string{
		"store 000000000000000", "advance 000000000000002",
		"store 000000000000002", "advance 000000000000004",
	}, sink.events)
}

func TestDrain_StoreFailureKeepsCursor(t *testing.T) {
	caller := &fakeCaller{respond: pages(t)}
	sink := &memorySink{stored: map[model.NSU]bool{}, failAt: 2, storeErr: errors.New("disk full")}

	res, err := newSync(caller).Drain(context.Background(), request(0), sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, model.NSU(2), sink.cursor)
	assert.Equal(t, 1, res.Batches)
}

func TestDrain_BatchLimit(t *testing.T) {
	calls := 0
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		calls++
		return ret(t, 138, calls, 100, doc{calls, "resNFe_v1.01.xsd", resNFe(calls)}), nil
	}}
	s := distribution.NewSynchronizer(caller, distribution.Config{RatePerSecond: 1000, Burst: 100, MaxBatches: 3})
	sink := &memorySink{stored: map[model.NSU]bool{}}

	res, err := s.Drain(context.Background(), request(0), sink)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.False(t, res.Drained)
	assert.Equal(t, model.NSU(3), sink.cursor)
}

type memoryCursors struct {
	mu      sync.Mutex
	cursors map[string]model.NSU
	docs    map[string]int
}

func (m *memoryCursors) LoadCursor(_ context.Context, p string, env model.Environment) (model.NSU, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[p+env.Code()], nil
}

func (m *memoryCursors) AdvanceCursor(_ context.Context, p string, env model.Environment, next, _ model.NSU) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next > m.cursors[p+env.Code()] {
		m.cursors[p+env.Code()] = next
	}
	return nil
}

func (m *memoryCursors) StoreBatch(_ context.Context, b *model.DistributionBatch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[b.Party] += len(b.Documents)
	return len(b.Documents), nil
}

func TestSyncAll(t *testing.T) {
	caller := &fakeCaller{respond: pages(t)}
	store := &memoryCursors{
		cursors: map[string]model.NSU{"529982247251": 2},
		docs:    map[string]int{},
	}
	reqs := []distribution.Request{
		request(0),
		{Party: "52998224725", UF: "RJ", Environment: model.EnvironmentProduction},
	}

	results, err := newSync(caller).SyncAll(context.Background(), reqs, store)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 4, results[0].Documents)
	assert.Equal(t, 2, results[1].Documents)
	assert.Equal(t, model.NSU(4), store.cursors[party+"1"])
	assert.Equal(t, model.NSU(4), store.cursors["529982247251"])
}

func TestDecode(t *testing.T) {
	caller := &fakeCaller{respond: func(int, string) (string, error) {
		return ret(t, 138, 2, 2,
			doc{1, "resNFe_v1.01.xsd", resNFe(1)},
			doc{2, "unknown_v1.00.xsd", "<mystery/>"},
		), nil
	}}
	s := newSync(caller)

	batch, err := s.Query(context.Background(), request(0))
	require.NoError(t, err)

	summaries := s.Decode(context.Background(), xmlparser.NewRegistry(), batch)
	require.Len(t, summaries, 1)
	assert.Equal(t, model.NSU(1), summaries[0].NSU)
	assert.Equal(t, "LOJA 1", summaries[0].IssuerName)
	assert.Equal(t, xmlparser.SituationAuthorized, summaries[0].Situation)
}
