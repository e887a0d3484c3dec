package compiler

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopologyRoundTrip(t *testing.T) {
	for _, tc := range []struct{ src, key string }{
		{cleanupSource, "T.run:(I)I"},
		{presenceSource, "T.p:()I"},
		{orderSource("java/lang/Exception", "any"), "T.order:()I"},
		{dispatchSource, "Derived.callVirtual:()I"},
	} {
		mod := translate(t, tc.src, tc.key)
		parsed, err := ParseTopology(mod.Dump())
		require.NoError(t, err, tc.key)
		require.Equal(t, mod.Topology(), parsed, tc.key)
	}
}

func TestTopologyContents(t *testing.T) {
	mod := translate(t, orderSource("java/lang/RuntimeException", "any"), "T.order:()I")
	topo := mod.Topology()
	require.Len(t, topo.Pads, 1)
	for bci, pad := range topo.Pads {
		require.Equal(t, "bci_"+strconv.Itoa(bci)+"_unwind_dest", pad.Label)
		require.False(t, pad.Cleanup)
		require.Len(t, pad.Clauses, 2)
		require.True(t, strings.HasPrefix(pad.Clauses[0], "catch java/lang/RuntimeException bci_"), pad.Clauses[0])
		require.True(t, strings.HasPrefix(pad.Clauses[1], "catch any bci_"), pad.Clauses[1])
	}
	require.Len(t, topo.Unwind, 1)
	for _, pad := range topo.Unwind {
		require.True(t, padLabelRe.MatchString(pad))
	}
}

func TestParseTopologyErrors(t *testing.T) {
	_, err := ParseTopology("  %0 = const i32 1\n")
	require.Error(t, err)

	_, err = ParseTopology("bci_0:\n    cleanup\n")
	require.Error(t, err)

	_, err = ParseTopology("bci_3_unwind_dest:\n  %4 = landingpad token\n    catch label\n")
	require.Error(t, err)

	topo, err := ParseTopology("define void @T.f:()V() {\nbci_3_unwind_dest:\n  %4 = landingpad token\n    cleanup\n  resume %5\n}\n")
	require.NoError(t, err)
	require.True(t, topo.Pads[3].Cleanup)
	require.Empty(t, topo.Pads[3].Clauses)
}

func TestDumpRendersEveryTerminator(t *testing.T) {
	mod := translate(t, cleanupSource, "T.run:(I)I")
	dump := mod.Dump()
	for _, want := range []string{
		"fallthrough label %bci_0",
		"br i1 %",
		"continue label %bci_",
		"unwind label %bci_",
		"switch i32 %",
		"resume %",
		"ret i32 %",
		"store_slot $finally_",
		"= landingpad token",
		"call static @T.boom:()V()",
	} {
		require.Contains(t, dump, want)
	}
}
