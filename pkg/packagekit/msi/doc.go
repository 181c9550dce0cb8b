/*
Package msi assembles Windows Installer databases.

A Package holds typed tables, the summary information stream and any
additional streams (embedded cabinets, icons). Tables are declared with
a schema of Columns, and every inserted row is validated against it:
column kinds, string widths, integer ranges, value categories, primary
key uniqueness and, on Flush, foreign key references between tables.

The validated package is exported as IDT archive files (the text format
msidb and msibuild import), together with a generated _Validation table
describing every column. A Linker then turns that export into the final
compound file. The default Linker runs msibuild from msitools, either
locally or inside a docker container.

	pkg, err := msi.Create(stageDir, msi.WithLinker(msi.NewMsibuild()))
	pkg.CreateTable("Property", []msi.Column{
		msi.Col("Property").PrimaryKey().IDString(72).Category(msi.Identifier),
		msi.Col("Value").TextString(0).Localizable().Category(msi.Text),
	})
	pkg.InsertRows(msi.InsertInto("Property").Row(msi.Str("ProductName"), msi.Str("Example")))
	pkg.Flush(ctx, "example.msi")

References

 1. https://learn.microsoft.com/en-us/windows/win32/msi/database-tables
 2. https://learn.microsoft.com/en-us/windows/win32/msi/archive-file-format
 3. https://gitlab.gnome.org/GNOME/msitools
*/
package msi
