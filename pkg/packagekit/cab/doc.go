/*
Package cab writes Microsoft cabinet (.cab) archives.

It is the container half of cabinet support: data is framed into
CFHEADER, CFFOLDER, CFFILE and CFDATA records as described in [MS-CAB]
version 1.3. Compression is delegated to a deflate implementation; each
MSZIP data block is the two byte "CK" signature followed by a complete
deflate stream of at most 32 KiB of input.

Usage

	w, err := cab.NewWriter(out)
	w.AddFolder(cab.CompressMSZIP)
	w.AddFile("app.exe", modTime, appReader)
	w.AddFolder(cab.CompressMSZIP)
	w.AddFile("data.bin", modTime, dataReader)
	w.Close()

Folder data is spooled to a temporary file while files are added, so the
header (which carries absolute offsets) can be written ahead of it on
Close. Files land in the cabinet in the order they were added, which is
what Windows Installer expects when it maps File.Sequence onto a cabinet.

References

 1. https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-cab
 2. https://learn.microsoft.com/en-us/windows/win32/msi/cabinet-files
*/
package cab
