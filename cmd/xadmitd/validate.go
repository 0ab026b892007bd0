package main

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// validate 加载配置并打印生效的规则，不连接任何外部依赖
func validate(w io.Writer, path string) error {
	_, dc, err := readConfig(path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "fail policy:\t%s (retry after %s)\n", dc.Engine.FailPolicy, dc.Engine.FailRetryAfter)
	if d := dc.Engine.DefaultRule; d != nil {
		fmt.Fprintf(tw, "default rule:\t%s %d %s\n", d.ID, d.LimitValue, d.LimitType)
	} else {
		fmt.Fprintf(tw, "default rule:\tnone\n")
	}
	fmt.Fprintf(tw, "exempt:\t%v\n", dc.Engine.ExemptNetworks)
	if dc.Infra.Mongo.RuleCollection != "" {
		fmt.Fprintf(tw, "rule source:\tmongo %s.%s\n", dc.Infra.Mongo.Database, dc.Infra.Mongo.RuleCollection)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ID\tSCOPE\tVALUE\tTYPE\tLIMIT\tRESOURCE\tDISABLED")
	for _, r := range dc.Engine.Rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%t\n",
			r.ID, r.Scope, valueOrAny(r.ScopeValue), r.LimitType, r.LimitValue, r.ResourceType, r.Disabled)
	}
	return tw.Flush()
}

func valueOrAny(v string) string {
	if v == "" {
		return "*"
	}
	return v
}
