package terminal

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/go-kmon/kmon/pkg/config"
)

func (c *Commands) configureCmd(t *Term, args []string) error {
	switch {
	case len(args) == 1 && args[0] == "-list":
		return configureList(t)
	case len(args) == 1 && args[0] == "-save":
		return config.SaveConfig(t.conf)
	case len(args) >= 2:
		return configureSet(t, args[0], strings.Join(args[1:], " "))
	default:
		fmt.Fprintln(t.stdout, "Type \"config -list\", \"config -save\" or \"config <parameter> <value>\"")
		return nil
	}
}

type configureIterator struct {
	cfgValue reflect.Value
	cfgType  reflect.Type
	i        int
}

func iterateConfiguration(conf *config.Config) *configureIterator {
	cfgValue := reflect.ValueOf(conf).Elem()
	cfgType := cfgValue.Type()

	return &configureIterator{cfgValue, cfgType, -1}
}

func (it *configureIterator) Next() bool {
	it.i++
	return it.i < it.cfgValue.NumField()
}

func (it *configureIterator) Field() (name string, field reflect.Value) {
	name = it.cfgType.Field(it.i).Tag.Get("yaml")
	if comma := strings.Index(name, ","); comma >= 0 {
		name = name[:comma]
	}
	field = it.cfgValue.Field(it.i)
	return
}

func configureFindFieldByName(conf *config.Config, name string) reflect.Value {
	it := iterateConfiguration(conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == name {
			return field
		}
	}
	return reflect.ValueOf(nil)
}

func configureList(t *Term) error {
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)

	it := iterateConfiguration(t.conf)
	for it.Next() {
		fieldName, field := it.Field()
		if fieldName == "" {
			continue
		}

		if field.Kind() == reflect.Ptr {
			if !field.IsNil() {
				fmt.Fprintf(w, "%s\t%v\n", fieldName, field.Elem())
			} else {
				fmt.Fprintf(w, "%s\t<not defined>\n", fieldName)
			}
		} else {
			fmt.Fprintf(w, "%s\t%v\n", fieldName, field)
		}
	}
	return w.Flush()
}

func configureSet(t *Term, name, value string) error {
	field := configureFindFieldByName(t.conf, name)
	if !field.CanAddr() {
		return fmt.Errorf("unknown configuration parameter %q", name)
	}

	switch field.Kind() {
	case reflect.Ptr:
		if value == "default" {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("argument to %q must be a number", name)
		}
		field.Set(reflect.ValueOf(&n))
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("argument to %q must be a number", name)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		v, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("argument to %q must be true or false", name)
		}
		field.SetBool(v)
	case reflect.String:
		s := ""
		if vals := config.SplitQuotedFields(value, '"'); len(vals) > 0 {
			s = vals[0]
		}
		field.SetString(s)
		if name == "prompt" {
			t.prompt = field.String()
		}
	default:
		return fmt.Errorf("configuration parameter %q cannot be set from the console", name)
	}
	return nil
}
