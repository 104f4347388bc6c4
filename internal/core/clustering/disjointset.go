package clustering

// DisjointSet ist eine generische Union-Find-Struktur mit Pfadkompression
// und Union-by-Rank. Sie wird zweimal verwendet: für die Komponenten des
// Ähnlichkeitsgraphen auf Gesichts-Ebene und für das Zusammenführen von
// Clustern in den Merge-Durchläufen.
type DisjointSet[T comparable] struct {
	parent map[T]T
	rank   map[T]int
}

// NewDisjointSet erstellt eine leere Union-Find-Struktur
func NewDisjointSet[T comparable]() *DisjointSet[T] {
	return &DisjointSet[T]{
		parent: make(map[T]T),
		rank:   make(map[T]int),
	}
}

// Add nimmt ein Element als eigene Menge auf, falls es noch unbekannt ist
func (d *DisjointSet[T]) Add(x T) {
	if _, ok := d.parent[x]; !ok {
		d.parent[x] = x
		d.rank[x] = 0
	}
}

// Find liefert den Repräsentanten der Menge von x (mit Pfadkompression)
func (d *DisjointSet[T]) Find(x T) T {
	d.Add(x)
	root := x
	for d.parent[root] != root {
		root = d.parent[root]
	}
	// Pfadkompression
	for d.parent[x] != root {
		next := d.parent[x]
		d.parent[x] = root
		x = next
	}
	return root
}

// Union vereinigt die Mengen von a und b (Union-by-Rank).
// Gibt true zurück, wenn dabei zwei verschiedene Mengen verschmolzen wurden.
func (d *DisjointSet[T]) Union(a, b T) bool {
	ra, rb := d.Find(a), d.Find(b)
	if ra == rb {
		return false
	}
	if d.rank[ra] < d.rank[rb] {
		ra, rb = rb, ra
	}
	d.parent[rb] = ra
	if d.rank[ra] == d.rank[rb] {
		d.rank[ra]++
	}
	return true
}

// Connected meldet, ob a und b in derselben Menge liegen
func (d *DisjointSet[T]) Connected(a, b T) bool {
	return d.Find(a) == d.Find(b)
}
