package cascade

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lahari-sy/finmap/modules/mapping/domain/record"
)

var metricLevels = []string{"L1", "L2", "L3", "L4", "L5", "L6"}

func metricRow(values ...string) record.Row {
	r := record.Row{}
	for i, l := range metricLevels {
		if i < len(values) {
			r[l] = values[i]
		} else {
			r[l] = ""
		}
	}
	return r
}

func TestOptionsAt_BlankFirst(t *testing.T) {
	t.Parallel()

	tree := Build([]record.Row{
		metricRow("Assets", "Cash", "", "", "", ""),
		metricRow("Assets", "Cash", "Bank", "", "", ""),
	}, metricLevels)

	require.Equal(t, []string{"", "Bank"}, tree.OptionsAt("Assets", "Cash"))
	require.Equal(t, []string{"Assets"}, tree.OptionsAt())
	require.Equal(t, []string{"Cash"}, tree.OptionsAt("Assets"))
}

func TestOptionsAt_UnknownAncestorIsEmpty(t *testing.T) {
	t.Parallel()

	tree := Build([]record.Row{metricRow("Assets", "Cash")}, metricLevels)
	opts := tree.OptionsAt("Liabilities")
	require.NotNil(t, opts)
	require.Empty(t, opts)
	require.Empty(t, tree.OptionsAt("Assets", "Receivables", ""))
}

func TestOptionsAt_NormalizesAncestors(t *testing.T) {
	t.Parallel()

	tree := Build([]record.Row{metricRow(" Assets ", "Cash")}, metricLevels)
	require.Equal(t, []string{"Cash"}, tree.OptionsAt("Assets  "))
	require.Equal(t, []string{""}, tree.OptionsAt("Assets", "Cash", "null"))
}

func TestBuild_OrderIndependentAndSorted(t *testing.T) {
	t.Parallel()

	rows := []record.Row{
		metricRow("Liabilities", "Debt", "Term Loan"),
		metricRow("Assets", "Cash", "Bank"),
		metricRow("Assets", "Cash"),
		metricRow("Assets", "Receivables", "Trade"),
		metricRow("", ""),
		metricRow("Liabilities", "Debt", "Revolver"),
		metricRow("Assets", "Cash", "Petty"),
	}
	want := Build(rows, metricLevels)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]record.Row(nil), rows...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Build(shuffled, metricLevels)
		require.Equal(t, want.Root, got.Root)
	}

	var check func(n *Node)
	check = func(n *Node) {
		for i := 1; i < len(n.Options); i++ {
			require.Less(t, n.Options[i-1], n.Options[i])
		}
		for _, c := range n.Children {
			check(c)
		}
	}
	check(want.Root)
	require.Equal(t, []string{"", "Assets", "Liabilities"}, want.OptionsAt())
}

func TestBuild_EveryRowPathIsReachable(t *testing.T) {
	t.Parallel()

	rows := []record.Row{
		metricRow("Assets", "Cash", "Bank", "Operating", "USD", "Main"),
		metricRow("Assets", "", "Bank"),
		metricRow("", "", "", "", "", ""),
		metricRow("Equity", "Retained Earnings"),
	}
	tree := Build(rows, metricLevels)
	for _, r := range rows {
		path := Path(r, metricLevels)
		for depth := range path {
			require.NotEmpty(t, tree.OptionsAt(path[:depth]...), "path %v depth %d", path, depth)
		}
		ok, at := tree.Contains(path)
		require.True(t, ok)
		require.Equal(t, -1, at)
	}
}

func TestContains_ReportsFailingDepth(t *testing.T) {
	t.Parallel()

	tree := Build([]record.Row{metricRow("Assets", "Cash", "Bank")}, metricLevels)
	ok, at := tree.Contains([]string{"Assets", "Cash", "Vault", "", "", ""})
	require.False(t, ok)
	require.Equal(t, 2, at)
}

func TestBuildIndexed_Resolve(t *testing.T) {
	t.Parallel()

	rows := []record.Row{
		{"COA_ID": int64(11), "L1": "Assets", "L2": "Cash"},
		{"COA_ID": int64(12), "L1": "Assets", "L2": "Cash"},
		{"COA_ID": int64(20), "L1": "Liabilities", "L2": ""},
	}
	tree := BuildIndexed(rows, []string{"L1", "L2"}, "COA_ID")

	id, ok := tree.Resolve("Assets", "Cash")
	require.True(t, ok)
	require.Equal(t, int64(11), id)

	id, ok = tree.Resolve("Liabilities", "")
	require.True(t, ok)
	require.Equal(t, int64(20), id)

	_, ok = tree.Resolve("Assets", "Bank")
	require.False(t, ok)
	_, ok = Build(rows, []string{"L1", "L2"}).Resolve("Assets", "Cash")
	require.False(t, ok)
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "Assets → Cash", FormatPath([]string{"Assets", "Cash", "", "", "", ""}))
	require.Equal(t, "[ALL BLANK]", FormatPath([]string{"", "", ""}))
	require.Equal(t, "Assets →  → Bank", FormatPath([]string{"Assets", "", "Bank"}))
}

func TestStats(t *testing.T) {
	t.Parallel()

	tree := Build([]record.Row{
		{"A": "x", "B": ""},
		{"A": "x", "B": "y"},
	}, []string{"A", "B"})
	s := tree.Stats()
	require.Equal(t, Stats{TotalNodes: 4, MaxDepth: 2, TotalOptions: 3, HasBlank: true}, s)
}
