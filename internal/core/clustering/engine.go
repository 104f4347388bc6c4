// Package clustering gruppiert indexierte Gesichter anhand paarweiser
// Ähnlichkeitswerte des externen Dienstes zu Personen-Clustern. Es stehen
// keine Embeddings zur Verfügung, nur die Ähnlichkeitssuche pro FaceID.
package clustering

import (
	"context"
	"fmt"
	"time"

	"facecluster-go/internal/integrations/vision"

	log "github.com/sirupsen/logrus"
)

// SimilaritySearcher ist die einzige Abhängigkeit der Engine auf den
// externen Dienst. Der Vision-Client implementiert dieses Interface.
type SimilaritySearcher interface {
	SearchSimilar(ctx context.Context, collectionID, faceID string, maxResults int, threshold float64) ([]vision.FaceMatch, error)
}

// Options steuert das Verhalten der Clusterbildung
type Options struct {
	Threshold       float64       // Basis-Schwellenwert auf der 0-100-Skala
	MergePassDelta  float64       // Absenkung für den zweiten Merge-Durchlauf
	MaxResults      int           // Top-N pro Ähnlichkeitssuche
	MergeSampleSize int           // Stichprobengröße pro Cluster in den Merge-Durchläufen
	BatchSize       int           // Suchanfragen pro Batch beim Graphaufbau
	BatchDelay      time.Duration // Pause zwischen Batches (Rate-Limit-Höflichkeit)
}

// DefaultOptions liefert die Standardwerte der Engine
func DefaultOptions() Options {
	return Options{
		Threshold:       85,
		MergePassDelta:  5,
		MaxResults:      10,
		MergeSampleSize: 3,
		BatchSize:       10,
		BatchDelay:      200 * time.Millisecond,
	}
}

// Engine baut den Ähnlichkeitsgraphen auf und löst ihn in disjunkte
// Gruppen auf. Die Engine verändert niemals Zustand im externen Dienst.
type Engine struct {
	searcher SimilaritySearcher
	opts     Options
}

// NewEngine erstellt eine neue Clustering-Engine. Nullwerte in den Options
// werden durch die Standardwerte ersetzt.
func NewEngine(searcher SimilaritySearcher, opts Options) *Engine {
	defaults := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = defaults.Threshold
	}
	if opts.MergePassDelta <= 0 {
		opts.MergePassDelta = defaults.MergePassDelta
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaults.MaxResults
	}
	if opts.MergeSampleSize <= 0 {
		opts.MergeSampleSize = defaults.MergeSampleSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	return &Engine{searcher: searcher, opts: opts}
}

// Cluster repräsentiert eine fertige Gruppe von Gesichtern
type Cluster struct {
	FaceIDs              []string
	RepresentativeFaceID string
	AverageSimilarity    float64
	Size                 int
}

// Result ist das Ergebnis eines vollständigen Clustering-Durchlaufs.
// Jede Eingabe-FaceID erscheint genau einmal: entweder in einem Cluster
// mit mindestens zwei Mitgliedern oder in UnclusteredFaces.
type Result struct {
	Clusters         []Cluster
	UnclusteredFaces []string
}

// ExistingCluster beschreibt einen bereits persistierten Cluster für die
// inkrementelle Variante
type ExistingCluster struct {
	ID      uint
	FaceIDs []string
}

// IncrementalResult ist das Ergebnis der inkrementellen Variante
type IncrementalResult struct {
	UpdatedClusters  map[uint][]string // Cluster-ID -> neu angehängte FaceIDs
	NewClusters      []Cluster
	UnclusteredFaces []string
}

// edgeKey identifiziert eine ungerichtete Kante; a ist immer die
// lexikographisch kleinere FaceID
type edgeKey struct {
	a, b string
}

func makeEdgeKey(x, y string) edgeKey {
	if x < y {
		return edgeKey{a: x, b: y}
	}
	return edgeKey{a: y, b: x}
}

// Cluster partitioniert die angegebenen FaceIDs in Personen-Gruppen.
// Ablauf: Graphaufbau über die Ähnlichkeitssuche, Zusammenhangskomponenten
// per Union-Find, zwei Merge-Durchläufe auf Cluster-Ebene (der zweite mit
// abgesenktem Schwellenwert), Anreicherung und Partitionierung. Eine leere
// Eingabe liefert ein leeres Ergebnis ohne jeden Dienst-Aufruf.
func (e *Engine) Cluster(ctx context.Context, collectionID string, faceIDs []string, threshold float64) (*Result, error) {
	if threshold <= 0 {
		threshold = e.opts.Threshold
	}

	ids := dedupe(faceIDs)
	if len(ids) == 0 {
		return &Result{Clusters: []Cluster{}, UnclusteredFaces: []string{}}, nil
	}

	log.Infof("Clustering %d faces in collection %s (threshold %.0f)", len(ids), collectionID, threshold)

	// Schritt 1: Ähnlichkeitsgraph aufbauen
	edges, err := e.buildGraph(ctx, collectionID, ids, threshold)
	if err != nil {
		return nil, err
	}

	// Schritt 2: Zusammenhangskomponenten als vorläufige Cluster
	groups := components(ids, edges)
	log.Debugf("Graph construction yielded %d edges and %d provisional clusters", len(edges), len(groups))

	// Schritt 3: Merge-Durchlauf 1 beim Basis-Schwellenwert. Korrigiert
	// asymmetrische Trefferlisten: die Top-N von A können B auslassen,
	// obwohl B die Suche nach A enthält.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("clustering cancelled before merge pass 1: %w", err)
	}
	groups, err = e.mergePass(ctx, collectionID, groups, threshold)
	if err != nil {
		return nil, err
	}

	// Schritt 4: Merge-Durchlauf 2 mit abgesenktem Schwellenwert, nur wenn
	// mehr als ein Cluster übrig ist. Bewusst permissiver, um knappe
	// Aufspaltungen derselben Person einzufangen.
	if len(groups) > 1 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("clustering cancelled before merge pass 2: %w", err)
		}
		groups, err = e.mergePass(ctx, collectionID, groups, threshold-e.opts.MergePassDelta)
		if err != nil {
			return nil, err
		}
	}

	// Schritt 5+6: Anreicherung und Partitionierung
	result := e.buildResult(groups, edges)
	log.Infof("Clustering finished: %d clusters, %d unclustered faces", len(result.Clusters), len(result.UnclusteredFaces))
	return result, nil
}

// buildGraph fragt für jede FaceID die Top-N ähnlichsten Gesichter ab und
// sammelt Kanten zwischen Mitgliedern der Eingabemenge. Die Abfragen
// laufen in Batches mit kurzer Pause dazwischen.
func (e *Engine) buildGraph(ctx context.Context, collectionID string, ids []string, threshold float64) (map[edgeKey]float64, error) {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	edges := make(map[edgeKey]float64)
	for i, id := range ids {
		if i > 0 && i%e.opts.BatchSize == 0 {
			if err := sleepCtx(ctx, e.opts.BatchDelay); err != nil {
				return nil, fmt.Errorf("graph construction cancelled: %w", err)
			}
		}

		matches, err := e.searcher.SearchSimilar(ctx, collectionID, id, e.opts.MaxResults, threshold)
		if err != nil {
			return nil, fmt.Errorf("similarity search for face %s failed: %w", id, err)
		}

		for _, m := range matches {
			if m.FaceID == id || !inSet[m.FaceID] || m.Similarity < threshold {
				continue
			}
			key := makeEdgeKey(id, m.FaceID)
			if m.Similarity > edges[key] {
				edges[key] = m.Similarity
			}
		}
	}

	return edges, nil
}

// components bildet die Zusammenhangskomponenten über alle FaceIDs.
// Die Gruppen und ihre Mitglieder behalten die Eingabereihenfolge bei,
// damit das Ergebnis deterministisch bleibt.
func components(ids []string, edges map[edgeKey]float64) [][]string {
	dsu := NewDisjointSet[string]()
	for _, id := range ids {
		dsu.Add(id)
	}
	for key := range edges {
		dsu.Union(key.a, key.b)
	}

	byRoot := make(map[string][]string)
	var rootOrder []string
	for _, id := range ids {
		root := dsu.Find(id)
		if _, seen := byRoot[root]; !seen {
			rootOrder = append(rootOrder, root)
		}
		byRoot[root] = append(byRoot[root], id)
	}

	groups := make([][]string, 0, len(rootOrder))
	for _, root := range rootOrder {
		groups = append(groups, byRoot[root])
	}
	return groups
}

// mergePass prüft für eine begrenzte Stichprobe jedes Clusters, ob deren
// Treffer in einem anderen Cluster landen, und vereinigt die betroffenen
// Cluster. Union-Find läuft hier auf Cluster-Indizes statt auf FaceIDs.
func (e *Engine) mergePass(ctx context.Context, collectionID string, groups [][]string, threshold float64) ([][]string, error) {
	if len(groups) < 2 {
		return groups, nil
	}

	groupOf := make(map[string]int)
	for gi, group := range groups {
		for _, id := range group {
			groupOf[id] = gi
		}
	}

	dsu := NewDisjointSet[int]()
	for gi := range groups {
		dsu.Add(gi)
	}

	merged := 0
	for gi, group := range groups {
		sample := group
		if len(sample) > e.opts.MergeSampleSize {
			sample = sample[:e.opts.MergeSampleSize]
		}

		for _, id := range sample {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("merge pass cancelled: %w", err)
			}

			matches, err := e.searcher.SearchSimilar(ctx, collectionID, id, e.opts.MaxResults, threshold)
			if err != nil {
				return nil, fmt.Errorf("similarity search for face %s failed: %w", id, err)
			}

			for _, m := range matches {
				if m.Similarity < threshold {
					continue
				}
				oj, known := groupOf[m.FaceID]
				if !known || oj == gi {
					continue
				}
				if dsu.Union(gi, oj) {
					merged++
				}
			}
		}
	}

	if merged == 0 {
		return groups, nil
	}
	log.Debugf("Merge pass at threshold %.0f united %d cluster pair(s)", threshold, merged)

	// Gruppen anhand der Union-Find-Wurzeln neu zusammensetzen; die
	// Reihenfolge folgt dem jeweils ersten beteiligten Cluster
	byRoot := make(map[int][]string)
	var rootOrder []int
	for gi, group := range groups {
		root := dsu.Find(gi)
		if _, seen := byRoot[root]; !seen {
			rootOrder = append(rootOrder, root)
		}
		byRoot[root] = append(byRoot[root], group...)
	}

	result := make([][]string, 0, len(rootOrder))
	for _, root := range rootOrder {
		result = append(result, byRoot[root])
	}
	return result, nil
}

// buildResult reichert die finalen Gruppen an und trennt aussagekräftige
// Cluster (mindestens zwei Mitglieder) von Einzelgesichtern. Einzelcluster
// werden nicht als Cluster gemeldet - das Persistieren von Singletons ist
// eine Policy-Entscheidung des Aufrufers.
func (e *Engine) buildResult(groups [][]string, edges map[edgeKey]float64) *Result {
	result := &Result{
		Clusters:         make([]Cluster, 0, len(groups)),
		UnclusteredFaces: []string{},
	}

	for _, group := range groups {
		if len(group) < 2 {
			result.UnclusteredFaces = append(result.UnclusteredFaces, group...)
			continue
		}

		inGroup := make(map[string]bool, len(group))
		for _, id := range group {
			inGroup[id] = true
		}

		// Mittlere Kantenstärke und Kantengrad je Mitglied über die im
		// Graphaufbau entdeckten Intra-Cluster-Kanten
		degree := make(map[string]int, len(group))
		var weightSum float64
		edgeCount := 0
		for key, weight := range edges {
			if inGroup[key.a] && inGroup[key.b] {
				weightSum += weight
				edgeCount++
				degree[key.a]++
				degree[key.b]++
			}
		}

		avg := 0.0
		if edgeCount > 0 {
			avg = weightSum / float64(edgeCount)
		}

		// Repräsentant: Mitglied mit den meisten Intra-Cluster-Kanten,
		// bei Gleichstand gewinnt die zuerst gesehene FaceID
		representative := group[0]
		bestDegree := degree[representative]
		for _, id := range group[1:] {
			if degree[id] > bestDegree {
				representative = id
				bestDegree = degree[id]
			}
		}

		result.Clusters = append(result.Clusters, Cluster{
			FaceIDs:              group,
			RepresentativeFaceID: representative,
			AverageSimilarity:    avg,
			Size:                 len(group),
		})
	}

	return result
}

// AddFacesToClusters ordnet neue Gesichter bestehenden Clustern zu, ohne
// die Bestandscluster neu zu berechnen. Pro neuem Gesicht wird genau einmal
// gesucht. Trifft ein Ergebnis einen bestehenden Cluster, wird das Gesicht
// dem ERSTEN treffenden Cluster angehängt (First-Match statt Best-Match -
// eine bewusste Vereinfachung zugunsten eines einzigen Suchaufrufs).
// Andernfalls wird aus dem Gesicht und seinen Treffern innerhalb der neuen
// Menge ein neuer Cluster gebildet.
func (e *Engine) AddFacesToClusters(ctx context.Context, collectionID string, newFaceIDs []string, existing []ExistingCluster, threshold float64) (*IncrementalResult, error) {
	if threshold <= 0 {
		threshold = e.opts.Threshold
	}

	ids := dedupe(newFaceIDs)
	result := &IncrementalResult{
		UpdatedClusters:  make(map[uint][]string),
		UnclusteredFaces: []string{},
	}
	if len(ids) == 0 {
		return result, nil
	}

	// Zuordnung FaceID -> bestehender Cluster
	existingOf := make(map[string]uint)
	for _, cluster := range existing {
		for _, id := range cluster.FaceIDs {
			existingOf[id] = cluster.ID
		}
	}

	newSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		newSet[id] = true
	}

	// Zuordnung bereits platzierter neuer Gesichter zu frisch gebildeten Clustern
	type seed struct {
		members    []string
		similarity float64
		count      int
	}
	var seeds []*seed
	seededAt := make(map[string]int)
	assigned := make(map[string]bool)

	for i, id := range ids {
		if assigned[id] {
			continue
		}
		if i > 0 && i%e.opts.BatchSize == 0 {
			if err := sleepCtx(ctx, e.opts.BatchDelay); err != nil {
				return nil, fmt.Errorf("incremental clustering cancelled: %w", err)
			}
		}

		matches, err := e.searcher.SearchSimilar(ctx, collectionID, id, e.opts.MaxResults, threshold)
		if err != nil {
			return nil, fmt.Errorf("similarity search for face %s failed: %w", id, err)
		}

		placed := false
		for _, m := range matches {
			if m.Similarity < threshold || m.FaceID == id {
				continue
			}
			if clusterID, ok := existingOf[m.FaceID]; ok {
				result.UpdatedClusters[clusterID] = append(result.UpdatedClusters[clusterID], id)
				assigned[id] = true
				placed = true
				break
			}
			if si, ok := seededAt[m.FaceID]; ok {
				seeds[si].members = append(seeds[si].members, id)
				seeds[si].similarity += m.Similarity
				seeds[si].count++
				seededAt[id] = si
				assigned[id] = true
				placed = true
				break
			}
		}
		if placed {
			continue
		}

		// Neuen Cluster aus dem Gesicht und seinen Treffern in der neuen
		// Menge bilden
		s := &seed{members: []string{id}}
		for _, m := range matches {
			if m.Similarity < threshold || !newSet[m.FaceID] || m.FaceID == id || assigned[m.FaceID] {
				continue
			}
			s.members = append(s.members, m.FaceID)
			s.similarity += m.Similarity
			s.count++
			assigned[m.FaceID] = true
			seededAt[m.FaceID] = len(seeds)
		}

		if len(s.members) < 2 {
			result.UnclusteredFaces = append(result.UnclusteredFaces, id)
			continue
		}
		assigned[id] = true
		seededAt[id] = len(seeds)
		seeds = append(seeds, s)
	}

	for _, s := range seeds {
		avg := 0.0
		if s.count > 0 {
			avg = s.similarity / float64(s.count)
		}
		result.NewClusters = append(result.NewClusters, Cluster{
			FaceIDs:              s.members,
			RepresentativeFaceID: s.members[0],
			AverageSimilarity:    avg,
			Size:                 len(s.members),
		})
	}

	return result, nil
}

// dedupe entfernt Duplikate unter Beibehaltung der Reihenfolge
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// sleepCtx wartet die angegebene Dauer ab, bricht aber sofort ab, wenn der
// Kontext beendet wird
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
