package clustering

import (
	"context"
	"testing"

	"facecluster-go/internal/integrations/vision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSearcher beantwortet Ähnlichkeitssuchen aus einer festen Matrix.
// Wie der echte Dienst filtert er die Treffer am übergebenen Schwellenwert.
type fakeSearcher struct {
	matches map[string][]vision.FaceMatch
	calls   int
}

func (f *fakeSearcher) SearchSimilar(_ context.Context, _ string, faceID string, _ int, threshold float64) ([]vision.FaceMatch, error) {
	f.calls++
	var out []vision.FaceMatch
	for _, m := range f.matches[faceID] {
		if m.Similarity >= threshold {
			out = append(out, m)
		}
	}
	return out, nil
}

// sym trägt eine symmetrische Ähnlichkeit zwischen zwei Gesichtern ein
func sym(m map[string][]vision.FaceMatch, a, b string, similarity float64) {
	m[a] = append(m[a], vision.FaceMatch{FaceID: b, Similarity: similarity})
	m[b] = append(m[b], vision.FaceMatch{FaceID: a, Similarity: similarity})
}

func newTestEngine(searcher SimilaritySearcher) *Engine {
	return NewEngine(searcher, Options{
		Threshold:       85,
		MergePassDelta:  5,
		MaxResults:      10,
		MergeSampleSize: 3,
		BatchSize:       10,
		// BatchDelay bleibt 0, die Tests sollen nicht schlafen
	})
}

func TestClusterEmptyInputMakesNoServiceCalls(t *testing.T) {
	searcher := &fakeSearcher{matches: map[string][]vision.FaceMatch{}}
	engine := newTestEngine(searcher)

	result, err := engine.Cluster(context.Background(), "col", nil, 85)

	require.NoError(t, err)
	assert.Empty(t, result.Clusters)
	assert.Empty(t, result.UnclusteredFaces)
	assert.Zero(t, searcher.calls)
}

func TestClusterTwoMutuallySimilarFaces(t *testing.T) {
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 90)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	result, err := engine.Cluster(context.Background(), "col", []string{"a", "b"}, 85)

	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, []string{"a", "b"}, result.Clusters[0].FaceIDs)
	assert.Equal(t, 2, result.Clusters[0].Size)
	assert.InDelta(t, 90, result.Clusters[0].AverageSimilarity, 0.001)
	assert.Empty(t, result.UnclusteredFaces)
}

func TestClusterSingletonIsNotACluster(t *testing.T) {
	engine := newTestEngine(&fakeSearcher{matches: map[string][]vision.FaceMatch{}})

	result, err := engine.Cluster(context.Background(), "col", []string{"lonely"}, 85)

	require.NoError(t, err)
	assert.Empty(t, result.Clusters)
	assert.Equal(t, []string{"lonely"}, result.UnclusteredFaces)
}

func TestClusterSecondMergePassUnitesBorderlineSplit(t *testing.T) {
	// A-B 90, B-C 80, A-C 40. Beim Basis-Schwellenwert 85 entstehen {a,b}
	// und {c}; erst der zweite Durchlauf bei 80 vereinigt beide Gruppen.
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 90)
	sym(matches, "b", "c", 80)
	sym(matches, "a", "c", 40)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	result, err := engine.Cluster(context.Background(), "col", []string{"a", "b", "c"}, 85)

	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, result.Clusters[0].FaceIDs)
	assert.Empty(t, result.UnclusteredFaces)
}

func TestClusterPartitionsInput(t *testing.T) {
	// Zwei getrennte Paare plus ein Einzelgesicht: jede Eingabe erscheint
	// genau einmal, entweder in einem Cluster oder unter UnclusteredFaces
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 95)
	sym(matches, "c", "d", 92)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	input := []string{"a", "b", "c", "d", "e"}
	result, err := engine.Cluster(context.Background(), "col", input, 85)

	require.NoError(t, err)
	require.Len(t, result.Clusters, 2)

	seen := map[string]int{}
	for _, cluster := range result.Clusters {
		for _, id := range cluster.FaceIDs {
			seen[id]++
		}
	}
	for _, id := range result.UnclusteredFaces {
		seen[id]++
	}
	for _, id := range input {
		assert.Equal(t, 1, seen[id], "face %s must appear exactly once", id)
	}
}

func TestClusterLowerThresholdOnlyMergesNeverSplits(t *testing.T) {
	// Dieselbe Matrix bei zwei Schwellenwerten: ein niedrigerer Schwellenwert
	// darf Cluster nur vereinigen, nie aufspalten. Jeder Cluster des strengen
	// Durchlaufs muss vollständig in genau einem Cluster des permissiven
	// Durchlaufs aufgehen.
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 95)
	sym(matches, "b", "c", 90)
	sym(matches, "d", "e", 88)
	sym(matches, "c", "d", 78)
	sym(matches, "f", "g", 81)

	input := []string{"a", "b", "c", "d", "e", "f", "g"}

	strict, err := newTestEngine(&fakeSearcher{matches: matches}).
		Cluster(context.Background(), "col", input, 85)
	require.NoError(t, err)

	loose, err := newTestEngine(&fakeSearcher{matches: matches}).
		Cluster(context.Background(), "col", input, 80)
	require.NoError(t, err)

	// Bei 85 drei Gruppen; bei 80 zieht die Kante c-d (78, über dem
	// abgesenkten Merge-Schwellenwert 75) zwei davon zusammen
	require.Len(t, strict.Clusters, 3)
	require.Len(t, loose.Clusters, 2)

	looseOf := map[string]int{}
	for i, cluster := range loose.Clusters {
		for _, id := range cluster.FaceIDs {
			looseOf[id] = i
		}
	}
	for _, cluster := range strict.Clusters {
		home, ok := looseOf[cluster.FaceIDs[0]]
		require.True(t, ok, "face %s missing from the permissive run", cluster.FaceIDs[0])
		for _, id := range cluster.FaceIDs {
			assert.Equal(t, home, looseOf[id], "cluster %v must stay together at the lower threshold", cluster.FaceIDs)
		}
	}
}

func TestClusterIgnoresMatchesOutsideInputSet(t *testing.T) {
	// Treffer auf Gesichter außerhalb der Eingabemenge (etwa aus einer
	// anderen Charge) dürfen keine Kanten erzeugen
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "stranger", 99)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	result, err := engine.Cluster(context.Background(), "col", []string{"a", "b"}, 85)

	require.NoError(t, err)
	assert.Empty(t, result.Clusters)
	assert.ElementsMatch(t, []string{"a", "b"}, result.UnclusteredFaces)
}

func TestClusterRepresentativeHasHighestDegree(t *testing.T) {
	// b hängt an a und c, a und c nur an b: b hat den höchsten Kantengrad
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 90)
	sym(matches, "b", "c", 91)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	result, err := engine.Cluster(context.Background(), "col", []string{"a", "b", "c"}, 85)

	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, "b", result.Clusters[0].RepresentativeFaceID)
}

func TestClusterIsDeterministic(t *testing.T) {
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 90)
	sym(matches, "c", "d", 88)
	sym(matches, "b", "d", 81)

	input := []string{"a", "b", "c", "d", "e"}

	first, err := newTestEngine(&fakeSearcher{matches: matches}).
		Cluster(context.Background(), "col", input, 85)
	require.NoError(t, err)

	second, err := newTestEngine(&fakeSearcher{matches: matches}).
		Cluster(context.Background(), "col", input, 85)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestClusterDeduplicatesInput(t *testing.T) {
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 90)
	searcher := &fakeSearcher{matches: matches}
	engine := newTestEngine(searcher)

	result, err := engine.Cluster(context.Background(), "col", []string{"a", "b", "a", "", "b"}, 85)

	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, []string{"a", "b"}, result.Clusters[0].FaceIDs)
}

func TestClusterStopsOnCancelledContext(t *testing.T) {
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "a", "b", 90)
	sym(matches, "c", "d", 90)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Cluster(ctx, "col", []string{"a", "b", "c", "d"}, 85)
	assert.Error(t, err)
}

func TestAddFacesFirstMatchWins(t *testing.T) {
	// Der neue Treffer landet im ERSTEN treffenden Bestandscluster der
	// Trefferliste, nicht im ähnlichsten
	searcher := &fakeSearcher{matches: map[string][]vision.FaceMatch{
		"new": {
			{FaceID: "y", Similarity: 90},
			{FaceID: "x", Similarity: 99},
		},
	}}
	engine := newTestEngine(searcher)

	existing := []ExistingCluster{
		{ID: 1, FaceIDs: []string{"x"}},
		{ID: 2, FaceIDs: []string{"y"}},
	}
	result, err := engine.AddFacesToClusters(context.Background(), "col", []string{"new"}, existing, 85)

	require.NoError(t, err)
	assert.Equal(t, map[uint][]string{2: {"new"}}, result.UpdatedClusters)
	assert.Empty(t, result.NewClusters)
	assert.Empty(t, result.UnclusteredFaces)
	assert.Equal(t, 1, searcher.calls, "one search per new face")
}

func TestAddFacesSeedsNewClusterWithinBatch(t *testing.T) {
	// Zwei neue Gesichter ohne Bezug zu Bestandsclustern bilden einen
	// neuen Cluster, das dritte bleibt ungeclustert
	matches := map[string][]vision.FaceMatch{}
	sym(matches, "p", "q", 93)
	engine := newTestEngine(&fakeSearcher{matches: matches})

	existing := []ExistingCluster{{ID: 7, FaceIDs: []string{"old"}}}
	result, err := engine.AddFacesToClusters(context.Background(), "col", []string{"p", "q", "r"}, existing, 85)

	require.NoError(t, err)
	assert.Empty(t, result.UpdatedClusters)
	require.Len(t, result.NewClusters, 1)
	assert.ElementsMatch(t, []string{"p", "q"}, result.NewClusters[0].FaceIDs)
	assert.Equal(t, []string{"r"}, result.UnclusteredFaces)
}

func TestAddFacesEmptyInput(t *testing.T) {
	searcher := &fakeSearcher{matches: map[string][]vision.FaceMatch{}}
	engine := newTestEngine(searcher)

	result, err := engine.AddFacesToClusters(context.Background(), "col", nil, nil, 85)

	require.NoError(t, err)
	assert.Empty(t, result.UpdatedClusters)
	assert.Empty(t, result.NewClusters)
	assert.Empty(t, result.UnclusteredFaces)
	assert.Zero(t, searcher.calls)
}
