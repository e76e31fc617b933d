package nnet

import (
	"flag"
	"io"
	"testing"
)

func TestFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	AddFlags(fs, DefaultConfig())
	if f := fs.Lookup("blockcounts"); f == nil || f.Usage != "BlockCounts setting (default 2,2,2,2)" {
		t.Fatal("got", f)
	}
	if err := fs.Parse([]string{"-eta", "0.1", "-blockcounts", "3,4,6,3", "-shuffle=false", "-randseed", "42", "data.json"}); err != nil {
		t.Fatal(err)
	}
	c, err := DefaultConfig().Override(fs)
	if err != nil {
		t.Fatal(err)
	}
	if c.Eta != 0.1 || c.BlockCounts != [NumStages]int{3, 4, 6, 3} || c.Shuffle || c.RandSeed != 42 || c.Patience != 5 {
		t.Errorf("got %+v", c)
	}
	if fs.Arg(0) != "data.json" {
		t.Error("got", fs.Args())
	}

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	AddFlags(fs, DefaultConfig())
	fs.Parse([]string{"-threshold", "2"})
	if _, err = DefaultConfig().Override(fs); err == nil {
		t.Error("expect validation error")
	}
	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	AddFlags(fs, DefaultConfig())
	fs.Parse([]string{"-maxepoch", "ten"})
	if _, err = DefaultConfig().Override(fs); err == nil {
		t.Error("expect parse error")
	}
}
